package submit

import (
	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/survey"
	"github.com/roritopra/sgirs/internal/textnorm"
)

// row is one answer line shared by partial and final payloads.
type row struct {
	QuestionID string
	OptionID   string
	Text       string
}

// rows flattens the visible, non-empty answers into payload rows in question
// order. Hidden answers are never sent. Multi-select answers produce one row per
// option and yes/no answers are sent as their catalog option id.
func rows(def *survey.Definition, answers model.AnswerMap, options []model.Option) []row {
	var out []row
	for _, q := range def.Visible(answers) {
		v := answers.Get(q.ID)
		if v.Empty() {
			continue
		}
		switch v.Kind() {
		case model.KindBool:
			b, _ := v.AsBool()
			out = append(out, row{QuestionID: q.ID, OptionID: yesNoOption(q, options, b)})
		case model.KindText:
			s, _ := v.AsText()
			if q.Kind == survey.FreeText {
				out = append(out, row{QuestionID: q.ID, Text: s})
			} else {
				out = append(out, row{QuestionID: q.ID, OptionID: s})
			}
		case model.KindList:
			ids, _ := v.AsList()
			for _, id := range ids {
				out = append(out, row{QuestionID: q.ID, OptionID: id})
			}
		}
	}
	return out
}

func yesNoOption(q *survey.Question, options []model.Option, b bool) string {
	for _, o := range options {
		if o.QuestionID != q.ID {
			continue
		}
		if v, ok := textnorm.ParseYesNo(o.Label); ok && v == b {
			return o.ID
		}
	}
	for _, o := range q.Options {
		if v, ok := textnorm.ParseYesNo(o.Label); ok && v == b {
			return o.ID
		}
	}
	return ""
}
