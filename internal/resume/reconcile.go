package resume

import (
	"path"
	"slices"

	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/survey"
	"github.com/roritopra/sgirs/internal/textnorm"
)

// Reconciled is a draft normalized into the canonical answer representation.
type Reconciled struct {
	Answers     model.AnswerMap
	Attachments model.AttachmentMap
	// Highest is the highest question ordinal present in the draft.
	Highest int
	// Final is true when the draft contains the final question.
	Final bool
	// Skipped lists records that could not be interpreted.
	Skipped []*model.ReconciliationError
}

// ResumeStep returns the step to continue from, or 0 for an empty draft.
func (r Reconciled) ResumeStep(def *survey.Definition) int {
	if r.Final {
		return def.IndicatorStep()
	}
	return def.StepOf(r.Highest)
}

type group struct {
	q       *survey.Question
	indexes []int
	tokens  []string
	list    bool
}

// Reconcile normalizes raw draft records of either shape. options is the full
// option catalog; it resolves question ordinals and option labels. Records that
// cannot be interpreted are skipped and reported. Reconcile is pure, so running
// it twice on the same input gives the same result.
func Reconcile(def *survey.Definition, records []model.DraftRecord, options []model.Option) Reconciled {
	out := Reconciled{Answers: make(model.AnswerMap), Attachments: make(model.AttachmentMap)}

	byQuestion := make(map[string][]model.Option)
	idByNumber := make(map[int]string)
	for _, o := range options {
		byQuestion[o.QuestionID] = append(byQuestion[o.QuestionID], o)
		if o.QuestionNumber > 0 {
			idByNumber[o.QuestionNumber] = o.QuestionID
		}
	}

	skip := func(i int, rec model.DraftRecord, reason string) {
		out.Skipped = append(out.Skipped, &model.ReconciliationError{Index: i, Record: rec, Reason: reason})
	}

	var order []string
	groups := make(map[string]*group)
	for i, rec := range records {
		q, reason := resolveQuestion(def, rec, idByNumber)
		if q == nil {
			skip(i, rec, reason)
			continue
		}
		out.Highest = max(out.Highest, q.Number)
		if q.Number == def.FinalQuestion {
			out.Final = true
		}
		if rec.AttachmentURL != "" {
			name := rec.AttachmentName
			if name == "" {
				name = path.Base(rec.AttachmentURL)
			}
			out.Attachments[q.ID] = model.Attachment{Name: name, RemoteURL: rec.AttachmentURL}
		}

		g := groups[q.ID]
		if g == nil {
			g = &group{q: q}
			groups[q.ID] = g
			order = append(order, q.ID)
		}
		g.indexes = append(g.indexes, i)
		switch {
		case !rec.ByNumber() && rec.OptionID != "":
			g.tokens = append(g.tokens, rec.OptionID)
		case rec.Answer.Kind() == model.KindList:
			ids, _ := rec.Answer.AsList()
			g.tokens = append(g.tokens, ids...)
			g.list = true
		case rec.Answer.Kind() == model.KindBool:
			b, _ := rec.Answer.AsBool()
			g.tokens = append(g.tokens, boolLabel(b))
		default:
			if s, ok := rec.Answer.AsText(); ok && s != "" {
				g.tokens = append(g.tokens, s)
			}
		}
	}

	for _, id := range order {
		g := groups[id]
		v, reason := normalize(g, byQuestion[id])
		if reason != "" {
			for _, i := range g.indexes {
				skip(i, records[i], reason)
			}
			continue
		}
		if !v.IsNull() {
			out.Answers[id] = v
		}
	}
	return out
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func resolveQuestion(def *survey.Definition, rec model.DraftRecord, idByNumber map[int]string) (*survey.Question, string) {
	if rec.ByNumber() {
		id, ok := idByNumber[rec.QuestionNumber]
		if !ok {
			q, found := def.QuestionByNumber(rec.QuestionNumber)
			if !found {
				return nil, "unknown question ordinal"
			}
			return q, ""
		}
		q, found := def.Question(id)
		if !found {
			return nil, "catalog question " + id + " is not part of the survey"
		}
		return q, ""
	}
	if rec.QuestionID == "" {
		return nil, "record has neither question ordinal nor question id"
	}
	q, ok := def.Question(rec.QuestionID)
	if !ok {
		return nil, "unknown question id " + rec.QuestionID
	}
	return q, ""
}

// normalize turns the collected tokens of one question into its canonical value.
func normalize(g *group, catalog []model.Option) (model.Value, string) {
	q := g.q
	if len(g.tokens) == 0 {
		return model.Null, ""
	}
	if len(g.tokens) == 1 && !g.list {
		tok := g.tokens[0]
		label := labelOf(q, catalog, tok)
		if q.Kind == survey.YesNo {
			if b, ok := textnorm.ParseYesNo(label); ok {
				return model.Bool(b), ""
			}
			return model.Null, "unrecognized yes/no answer " + tok
		}
		switch q.Kind {
		case survey.FreeText:
			return model.Text(tok), ""
		case survey.MultiSelect:
			return model.List(optionID(q, catalog, tok)), ""
		case survey.FileOnly:
			return model.Null, ""
		}
		return model.Text(optionID(q, catalog, tok)), ""
	}

	var ids []string
	for _, tok := range g.tokens {
		id := optionID(q, catalog, tok)
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	switch q.Kind {
	case survey.MultiSelect:
		return model.List(ids...), ""
	case survey.FileOnly:
		return model.Null, ""
	}
	if len(ids) > 1 {
		return model.Null, "multiple answers for single-valued question " + q.ID
	}
	single := &group{q: q, tokens: ids}
	return normalize(single, catalog)
}

// labelOf returns the option label when tok is an option id, else tok itself.
func labelOf(q *survey.Question, catalog []model.Option, tok string) string {
	for _, o := range catalog {
		if o.ID == tok {
			return o.Label
		}
	}
	if o, ok := q.Option(tok); ok {
		return o.Label
	}
	return tok
}

// optionID maps a label (or id) to an option id. Unknown values are kept as ids.
func optionID(q *survey.Question, catalog []model.Option, tok string) string {
	for _, o := range catalog {
		if o.ID == tok {
			return o.ID
		}
	}
	for _, o := range catalog {
		if textnorm.Equal(o.Label, tok) {
			return o.ID
		}
	}
	if o, ok := q.Option(tok); ok {
		return o.ID
	}
	if o, ok := q.OptionByLabel(tok); ok {
		return o.ID
	}
	return tok
}
