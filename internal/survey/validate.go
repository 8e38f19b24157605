package survey

import (
	"slices"

	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/textnorm"
)

// StepComplete reports whether step n can be left as finished. Question steps look
// at visible questions and their attachments; the indicators step looks only at the
// active indicators in ind. Numeric relations between variables never block.
func (d *Definition) StepComplete(n int, answers model.AnswerMap, attachments model.AttachmentMap, ind model.IndicatorView) bool {
	st, ok := d.Step(n)
	if !ok {
		return false
	}
	if st.Indicators {
		return IndicatorsComplete(ind)
	}
	if st.Gate > 0 {
		gate := d.byNumber[st.Gate]
		v := answers.Get(gate.ID)
		if v.IsNull() {
			return false
		}
		if yes, isBool := v.AsBool(); isBool && !yes {
			return true
		}
	}
	for _, q := range d.VisibleInStep(n, answers) {
		if !answered(q, answers.Get(q.ID), attachments) {
			return false
		}
	}
	return true
}

// IncompleteSteps returns every step that is not complete, in order.
func (d *Definition) IncompleteSteps(answers model.AnswerMap, attachments model.AttachmentMap, ind model.IndicatorView) []int {
	var out []int
	for _, st := range d.Steps {
		if !d.StepComplete(st.Number, answers, attachments, ind) {
			out = append(out, st.Number)
		}
	}
	return out
}

func answered(q *Question, v model.Value, attachments model.AttachmentMap) bool {
	att, ok := attachments[q.ID]
	hasFile := ok && att.Present()

	switch q.Kind {
	case FileOnly:
		return hasFile || q.Optional
	case YesNo:
		yes, ok := v.AsBool()
		if !ok {
			return q.Optional && v.IsNull()
		}
		return !yes || q.Attachment != AttachmentRequired || hasFile
	case SingleSelect:
		id, ok := v.AsText()
		if !ok || v.Empty() {
			return q.Optional && v.IsNull()
		}
		opt, _ := q.Option(id)
		if (opt.RequiresAttachment || q.Attachment == AttachmentRequired) && !hasFile {
			return false
		}
		return true
	case MultiSelect:
		ids, ok := v.AsList()
		if !ok || len(ids) == 0 {
			return q.Optional && v.IsNull()
		}
		needsFile := q.Attachment == AttachmentRequired || slices.ContainsFunc(q.Options, func(o Option) bool {
			return o.RequiresAttachment && slices.Contains(ids, o.ID)
		})
		return !needsFile || hasFile
	case FreeText:
		if v.Empty() {
			return q.Optional
		}
		_, ok := v.AsText()
		return ok && (q.Attachment != AttachmentRequired || hasFile)
	}
	return false
}

// IndicatorsComplete reports whether every active indicator is fully filled in:
// every variable of a metric in every month of the active window, and every
// condition of a checklist. A state that was never initialized is incomplete.
func IndicatorsComplete(ind model.IndicatorView) bool {
	if ind.State == nil {
		return false
	}
	for _, a := range ind.Active {
		switch a.Slot.Kind {
		case model.IndicatorMetric:
			metric := ind.State.Metrics[a.Slot.Name]
			for _, m := range ind.Half.Months() {
				vals := metric[m]
				for _, variable := range a.Slot.Variables {
					if _, ok := textnorm.ParseNumber(vals[variable]); !ok {
						return false
					}
				}
			}
		case model.IndicatorChecklist:
			conds := ind.State.Checklists[a.Slot.Name]
			if len(conds) < len(a.Slot.Conditions) || slices.Contains(conds, nil) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
