package survey

import "github.com/roritopra/sgirs/internal/model"

// Visible flattens questions into the ordered list currently shown for answers:
// each question is followed by the children its answer reveals, recursively.
// It keeps no state between calls.
func Visible(questions []Question, answers model.AnswerMap) []*Question {
	var out []*Question
	for i := range questions {
		out = appendVisible(out, &questions[i], answers)
	}
	return out
}

func appendVisible(out []*Question, q *Question, answers model.AnswerMap) []*Question {
	out = append(out, q)
	if len(q.Children) == 0 {
		return out
	}
	current := answers.Get(q.ID)
	for i := range q.Children {
		child := &q.Children[i]
		if Matches(current, child.Trigger) {
			out = appendVisible(out, child, answers)
		}
	}
	return out
}

// Matches reports whether a parent answer reveals a child with the given trigger.
// Boolean and text triggers need an equal value of the same kind; list triggers
// need a list answer sharing at least one id. A nil trigger always matches.
func Matches(parent model.Value, trigger *model.Value) bool {
	if trigger == nil {
		return true
	}
	switch trigger.Kind() {
	case model.KindBool, model.KindText:
		return parent.Equal(*trigger)
	case model.KindList:
		return parent.Intersects(*trigger)
	case model.KindNull:
	}
	return false
}

// Visible returns every question currently shown across the survey.
func (d *Definition) Visible(answers model.AnswerMap) []*Question {
	return Visible(d.Questions, answers)
}

// VisibleInStep returns the questions currently shown on step n.
func (d *Definition) VisibleInStep(n int, answers model.AnswerMap) []*Question {
	var out []*Question
	for _, q := range d.topLevel(n) {
		out = appendVisible(out, q, answers)
	}
	return out
}

// IsVisible reports whether the question with the given id is currently shown.
func (d *Definition) IsVisible(id string, answers model.AnswerMap) bool {
	q, ok := d.byID[id]
	if !ok {
		return false
	}
	for parentID, ok := d.parentOf[q.ID]; ok; parentID, ok = d.parentOf[q.ID] {
		if !Matches(answers.Get(parentID), q.Trigger) {
			return false
		}
		q = d.byID[parentID]
	}
	return true
}
