package indicator

import (
	"math"
	"time"

	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/textnorm"
)

// Mode is how an indicator's value is derived.
type Mode string

const (
	ModePercentage Mode = "percentage"
	ModeVolume     Mode = "volume"
	ModeChecklist  Mode = "checklist"
)

var (
	numeratorMarkers   = []string{"ejecutad", "aprovechad"}
	denominatorMarkers = []string{"programad", "generad"}
)

// Result is the computed display value of one active indicator.
type Result struct {
	Name string `json:"name"`
	Mode Mode   `json:"mode"`
	// Percentage is set for percentage and checklist indicators.
	Percentage float64 `json:"percentage"`
	// Pending is true for a checklist that still has unanswered conditions.
	Pending bool `json:"pending"`
	// Monthly holds the per-month percentage, or the running total for volume
	// indicators, for every month of the window.
	Monthly map[time.Month]float64 `json:"monthly,omitempty"`
	// Total is the window sum of a volume indicator.
	Total    float64   `json:"total"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Warning flags a month where the numerator exceeds the denominator. Warnings do
// not block completion and stored values are never clipped.
type Warning struct {
	Month       time.Month `json:"month"`
	Numerator   string     `json:"numerator"`
	Denominator string     `json:"denominator"`
	Value       float64    `json:"value"`
	Limit       float64    `json:"limit"`
}

// Percentage returns min(num, den) / den * 100 rounded to two decimals, or 0
// when den is 0.
func Percentage(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return round2(math.Min(num, den) / den * 100)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// Pair finds the numerator and denominator among a metric's variable names.
func Pair(variables []string) (num, den string, ok bool) {
	for _, v := range variables {
		switch {
		case num == "" && containsAny(v, numeratorMarkers):
			num = v
		case den == "" && containsAny(v, denominatorMarkers):
			den = v
		}
	}
	return num, den, num != "" && den != ""
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if textnorm.Contains(s, m) {
			return true
		}
	}
	return false
}

// Compute derives the value of one indicator from the entered state over the
// months of half. A nil state computes as empty.
func Compute(slot model.IndicatorSlot, state *model.IndicatorState, half model.Half) Result {
	if state == nil {
		state = model.NewIndicatorState()
	}
	if slot.Kind == model.IndicatorChecklist {
		return checklist(slot, state.Checklists[slot.Name])
	}
	metric := state.Metrics[slot.Name]
	if num, den, ok := Pair(slot.Variables); ok {
		return percentage(slot.Name, metric, num, den, half)
	}
	return volume(slot, metric, half)
}

// ComputeAll computes every active indicator in order.
func ComputeAll(active []model.ActiveIndicator, state *model.IndicatorState, half model.Half) []Result {
	out := make([]Result, 0, len(active))
	for _, a := range active {
		out = append(out, Compute(a.Slot, state, half))
	}
	return out
}

func number(vals model.MonthValues, variable string) float64 {
	f, _ := textnorm.ParseNumber(vals[variable])
	return f
}

func percentage(name string, metric model.MetricState, num, den string, half model.Half) Result {
	r := Result{Name: name, Mode: ModePercentage, Monthly: make(map[time.Month]float64)}
	var sumNum, sumDen float64
	for _, m := range half.Months() {
		n, d := number(metric[m], num), number(metric[m], den)
		if n > d {
			r.Warnings = append(r.Warnings, Warning{Month: m, Numerator: num, Denominator: den, Value: n, Limit: d})
		}
		r.Monthly[m] = Percentage(n, d)
		sumNum += n
		sumDen += d
	}
	r.Percentage = Percentage(sumNum, sumDen)
	return r
}

func volume(slot model.IndicatorSlot, metric model.MetricState, half model.Half) Result {
	r := Result{Name: slot.Name, Mode: ModeVolume, Monthly: make(map[time.Month]float64)}
	for _, m := range half.Months() {
		for _, variable := range slot.Variables {
			r.Total += number(metric[m], variable)
		}
		r.Monthly[m] = r.Total
	}
	return r
}

func checklist(slot model.IndicatorSlot, conds []*bool) Result {
	r := Result{Name: slot.Name, Mode: ModeChecklist}
	total := len(slot.Conditions)
	if total == 0 || len(conds) < total {
		r.Pending = true
		return r
	}
	yes := 0
	for _, c := range conds[:total] {
		if c == nil {
			r.Pending = true
			return r
		}
		if *c {
			yes++
		}
	}
	r.Percentage = round2(float64(yes) / float64(total) * 100)
	return r
}
