package model

import (
	"maps"
	"slices"
	"time"
)

// IndicatorKind distinguishes monthly metrics from yes/no checklists.
type IndicatorKind string

const (
	// IndicatorMetric tracks named numeric variables per month.
	IndicatorMetric IndicatorKind = "metric"
	// IndicatorChecklist holds an ordered list of yes/no conditions (UAR style).
	IndicatorChecklist IndicatorKind = "checklist"
)

// IndicatorSlot is a locally known indicator: what the form collects for it.
type IndicatorSlot struct {
	Name       string        `yaml:"name" json:"name"`
	Number     int           `yaml:"number" json:"number"`
	Kind       IndicatorKind `yaml:"kind" json:"kind"`
	// Gate is the ordinal of the gate question that activates the indicator when
	// answered yes. It seeds the resolution rules of the local catalog.
	Gate       int           `yaml:"gate,omitempty" json:"gate,omitempty"`
	Variables  []string      `yaml:"variables,omitempty" json:"variables,omitempty"`
	Conditions []string      `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// IndicatorDefinition is an indicator as returned by the indicator service.
// Name is the only identity the service guarantees.
type IndicatorDefinition struct {
	ID     string        `json:"id,omitempty"`
	Name   string        `json:"name"`
	Number int           `json:"number"`
	Kind   IndicatorKind `json:"kind"`
}

// GateAnswer is an affirmative gate question sent for indicator resolution.
type GateAnswer struct {
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option_id"`
}

// MonthValues maps variable name to a numeric string.
type MonthValues map[string]string

// MetricState holds one metric indicator's values per month.
type MetricState map[time.Month]MonthValues

// IndicatorState holds everything entered on the indicators step, keyed by slot name.
type IndicatorState struct {
	Metrics    map[string]MetricState `json:"metrics"`
	Checklists map[string][]*bool     `json:"checklists"`
}

// NewIndicatorState returns an empty, initialized state.
func NewIndicatorState() *IndicatorState {
	return &IndicatorState{
		Metrics:    make(map[string]MetricState),
		Checklists: make(map[string][]*bool),
	}
}

// Clone returns a deep copy. A nil state clones to nil.
func (s *IndicatorState) Clone() *IndicatorState {
	if s == nil {
		return nil
	}
	out := NewIndicatorState()
	for name, metric := range s.Metrics {
		cp := make(MetricState, len(metric))
		for m, vals := range metric {
			cp[m] = maps.Clone(vals)
		}
		out.Metrics[name] = cp
	}
	for name, conds := range s.Checklists {
		cp := make([]*bool, len(conds))
		for i, c := range conds {
			if c != nil {
				b := *c
				cp[i] = &b
			}
		}
		out.Checklists[name] = cp
	}
	return out
}

// ActiveIndicator pairs a local slot with the service definition it was matched to.
type ActiveIndicator struct {
	Slot       IndicatorSlot
	Definition IndicatorDefinition
}

// IndicatorView is what the indicators step is validated against: the currently
// active set, the entered state, and the reporting half.
type IndicatorView struct {
	Active []ActiveIndicator
	State  *IndicatorState
	Half   Half
}

// VariableEntry carries one variable's monthly values in an indicator payload.
type VariableEntry struct {
	Name   string                `json:"name"`
	Months map[time.Month]string `json:"months"`
}

// IndicatorEntry is one indicator inside an IndicatorPayload.
type IndicatorEntry struct {
	Name      string          `json:"name"`
	Kind      IndicatorKind   `json:"kind"`
	Variables []VariableEntry `json:"variables,omitempty"`
	Checklist []*bool         `json:"checklist,omitempty"`
}

// IndicatorPayload is the partial or full indicator submission for a period.
type IndicatorPayload struct {
	PeriodID   string           `json:"period_id"`
	Indicators []IndicatorEntry `json:"indicators"`
}

// Find returns the entry with the given name.
func (p *IndicatorPayload) Find(name string) (IndicatorEntry, bool) {
	if p == nil {
		return IndicatorEntry{}, false
	}
	i := slices.IndexFunc(p.Indicators, func(e IndicatorEntry) bool { return e.Name == name })
	if i < 0 {
		return IndicatorEntry{}, false
	}
	return p.Indicators[i], true
}
