package indicator

import (
	"time"

	"github.com/roritopra/sgirs/internal/model"
)

// PartialPayload builds the save-for-later payload. Indicators the user never
// touched are omitted and only months with a value are sent.
func PartialPayload(periodID string, active []model.ActiveIndicator, state *model.IndicatorState) model.IndicatorPayload {
	p := model.IndicatorPayload{PeriodID: periodID, Indicators: []model.IndicatorEntry{}}
	if state == nil {
		return p
	}
	for _, a := range active {
		entry := model.IndicatorEntry{Name: a.Slot.Name, Kind: a.Slot.Kind}
		touched := false
		switch a.Slot.Kind {
		case model.IndicatorMetric:
			metric := state.Metrics[a.Slot.Name]
			for _, variable := range a.Slot.Variables {
				ve := model.VariableEntry{Name: variable, Months: make(map[time.Month]string)}
				for m, vals := range metric {
					if v := vals[variable]; v != "" {
						ve.Months[m] = v
						touched = true
					}
				}
				entry.Variables = append(entry.Variables, ve)
			}
		case model.IndicatorChecklist:
			conds := state.Checklists[a.Slot.Name]
			for _, c := range conds {
				if c != nil {
					touched = true
				}
			}
			entry.Checklist = cloneConds(conds)
		}
		if touched {
			p.Indicators = append(p.Indicators, entry)
		}
	}
	return p
}

// FullPayload builds the final payload: every active indicator with all twelve
// months, zero-filled outside the active window.
func FullPayload(periodID string, active []model.ActiveIndicator, state *model.IndicatorState, half model.Half) model.IndicatorPayload {
	if state == nil {
		state = model.NewIndicatorState()
	}
	p := model.IndicatorPayload{PeriodID: periodID, Indicators: make([]model.IndicatorEntry, 0, len(active))}
	for _, a := range active {
		entry := model.IndicatorEntry{Name: a.Slot.Name, Kind: a.Slot.Kind}
		switch a.Slot.Kind {
		case model.IndicatorMetric:
			metric := state.Metrics[a.Slot.Name]
			for _, variable := range a.Slot.Variables {
				ve := model.VariableEntry{Name: variable, Months: make(map[time.Month]string, 12)}
				for _, m := range model.AllMonths() {
					v := metric[m][variable]
					if !half.Contains(m) || v == "" {
						v = "0"
					}
					ve.Months[m] = v
				}
				entry.Variables = append(entry.Variables, ve)
			}
		case model.IndicatorChecklist:
			conds := make([]*bool, len(a.Slot.Conditions))
			copy(conds, cloneConds(state.Checklists[a.Slot.Name]))
			entry.Checklist = conds
		}
		p.Indicators = append(p.Indicators, entry)
	}
	return p
}

// StateFromPayload converts a saved indicator draft back into form state.
func StateFromPayload(p *model.IndicatorPayload) *model.IndicatorState {
	if p == nil {
		return nil
	}
	s := model.NewIndicatorState()
	for _, e := range p.Indicators {
		switch e.Kind {
		case model.IndicatorMetric:
			metric := make(model.MetricState)
			for _, ve := range e.Variables {
				for m, v := range ve.Months {
					if metric[m] == nil {
						metric[m] = make(model.MonthValues)
					}
					metric[m][ve.Name] = v
				}
			}
			s.Metrics[e.Name] = metric
		case model.IndicatorChecklist:
			s.Checklists[e.Name] = cloneConds(e.Checklist)
		}
	}
	return s
}

func cloneConds(conds []*bool) []*bool {
	if conds == nil {
		return nil
	}
	out := make([]*bool, len(conds))
	for i, c := range conds {
		if c != nil {
			b := *c
			out[i] = &b
		}
	}
	return out
}
