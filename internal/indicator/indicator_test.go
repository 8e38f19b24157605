package indicator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/survey"
)

type fakeCatalog struct {
	def *survey.Definition
	err error
}

func (c *fakeCatalog) QuestionTypes(context.Context) ([]model.QuestionType, error) { return nil, c.err }

func (c *fakeCatalog) Options(context.Context) ([]model.Option, error) { return nil, c.err }

func (c *fakeCatalog) OptionsForQuestion(_ context.Context, id string) ([]model.Option, error) {
	if c.err != nil {
		return nil, c.err
	}
	q, ok := c.def.Question(id)
	if !ok {
		return nil, model.ErrNotFound
	}
	var out []model.Option
	for _, o := range q.Options {
		out = append(out, model.Option{ID: "cat-" + o.ID, QuestionID: id, QuestionNumber: q.Number, Label: o.Label})
	}
	return out, nil
}

func (c *fakeCatalog) QuestionByNumber(context.Context, int) (model.QuestionMeta, error) {
	return model.QuestionMeta{}, c.err
}

// fakeService activates one indicator per gate question, by name.
type fakeService struct {
	byGate map[string]string
	gates  []model.GateAnswer
	calls  int
	err    error
}

func (s *fakeService) ResolveIndicators(_ context.Context, gates []model.GateAnswer) ([]model.IndicatorDefinition, error) {
	s.calls++
	s.gates = gates
	if s.err != nil {
		return nil, s.err
	}
	var out []model.IndicatorDefinition
	for i, g := range gates {
		if name, ok := s.byGate[g.QuestionID]; ok {
			out = append(out, model.IndicatorDefinition{ID: g.OptionID, Name: name, Number: i + 1})
		}
	}
	return out, nil
}

func (s *fakeService) IndicatorDraft(context.Context, string) (*model.IndicatorPayload, error) {
	return nil, nil
}

func (s *fakeService) SubmitIndicators(context.Context, model.IndicatorPayload) error   { return nil }
func (s *fakeService) SaveIndicatorDraft(context.Context, model.IndicatorPayload) error { return nil }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newMatcher(t *testing.T) (*Matcher, *fakeService, *survey.Definition) {
	t.Helper()
	def, err := survey.Default()
	require.NoError(t, err)
	svc := &fakeService{byGate: map[string]string{
		// Upstream names differ in case and accents from the local slots.
		"q07": "CUMPLIMIENTO DE CAPACITACIONES ",
		"q11": "porcentaje de residuos aprovechados",
		"q15": "Condiciones de la uar",
		"q17": "Generacion de residuos peligrosos",
	}}
	return NewMatcher(def, &fakeCatalog{def: def}, svc, discard()), svc, def
}

func negative() model.AnswerMap {
	a := model.AnswerMap{}
	for _, id := range []string{"q01", "q04", "q06", "q07", "q08", "q10", "q11", "q12", "q15", "q17", "q19", "q22", "q24", "q26", "q29", "q31"} {
		a[id] = model.Bool(false)
	}
	return a
}

func TestMatchTwoGates(t *testing.T) {
	m, svc, _ := newMatcher(t)
	answers := negative()
	answers["q07"] = model.Bool(true)
	answers["q11"] = model.Text("Sí")

	active, err := m.Match(context.Background(), answers)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "Cumplimiento de capacitaciones", active[0].Slot.Name)
	assert.Equal(t, "Porcentaje de residuos aprovechados", active[1].Slot.Name)
	assert.Equal(t, []model.GateAnswer{
		{QuestionID: "q07", OptionID: "cat-q07-si"},
		{QuestionID: "q11", OptionID: "cat-q11-si"},
	}, svc.gates)
}

func TestMatchNoGatesSkipsService(t *testing.T) {
	m, svc, _ := newMatcher(t)
	active, err := m.Match(context.Background(), negative())
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Zero(t, svc.calls)
}

func TestMatchIsNotSticky(t *testing.T) {
	m, _, _ := newMatcher(t)
	answers := negative()
	answers["q07"] = model.Bool(true)
	active, err := m.Match(context.Background(), answers)
	require.NoError(t, err)
	require.Len(t, active, 1)

	answers["q07"] = model.Bool(false)
	active, err = m.Match(context.Background(), answers)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMatchErrors(t *testing.T) {
	m, svc, def := newMatcher(t)
	answers := model.AnswerMap{"q07": model.Bool(true)}

	svc.err = errors.New("boom")
	_, err := m.Match(context.Background(), answers)
	var matchErr *model.IndicatorMatchError
	require.ErrorAs(t, err, &matchErr)

	svc.err = nil
	m = NewMatcher(def, &fakeCatalog{def: def, err: errors.New("down")}, svc, discard())
	_, err = m.Match(context.Background(), answers)
	require.ErrorAs(t, err, &matchErr)
	var catErr *model.CatalogFetchError
	assert.ErrorAs(t, err, &catErr)
}

func TestMatchNames(t *testing.T) {
	slots := []model.IndicatorSlot{
		{Name: "Condiciones de la UAR", Number: 2},
		{Name: "Cumplimiento de capacitaciones", Number: 1},
	}
	defs := []model.IndicatorDefinition{
		{Name: "condiciones de la uar"},
		{Name: "Indicador renombrado"},
		{Name: "Cumplimiento de Capacitaciónes"},
		{Name: "CONDICIONES DE LA UAR"},
	}
	active, unmatched := MatchNames(slots, defs)
	require.Len(t, active, 2)
	assert.Equal(t, 1, active[0].Slot.Number)
	assert.Equal(t, 2, active[1].Slot.Number)
	require.Len(t, unmatched, 1)
	assert.Equal(t, "Indicador renombrado", unmatched[0].Name)
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		num, den, want float64
	}{
		{0, 0, 0},
		{5, 5, 100},
		{3, 4, 75},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{9, 4, 100},
		{7, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percentage(tt.num, tt.den), "num=%v den=%v", tt.num, tt.den)
	}
}

func TestPair(t *testing.T) {
	num, den, ok := Pair([]string{"Capacitaciones programadas", "Capacitaciones ejecutadas"})
	require.True(t, ok)
	assert.Equal(t, "Capacitaciones ejecutadas", num)
	assert.Equal(t, "Capacitaciones programadas", den)

	num, den, ok = Pair([]string{"Residuos GENERADOS (kg)", "Residuos aprovechados (kg)"})
	require.True(t, ok)
	assert.Equal(t, "Residuos aprovechados (kg)", num)
	assert.Equal(t, "Residuos GENERADOS (kg)", den)

	_, _, ok = Pair([]string{"Residuos peligrosos (kg)"})
	assert.False(t, ok)
}

func metricSlot() model.IndicatorSlot {
	return model.IndicatorSlot{
		Name:      "Cumplimiento de capacitaciones",
		Kind:      model.IndicatorMetric,
		Variables: []string{"Capacitaciones programadas", "Capacitaciones ejecutadas"},
	}
}

func TestComputePercentage(t *testing.T) {
	slot := metricSlot()
	state := model.NewIndicatorState()
	state.Metrics[slot.Name] = model.MetricState{
		time.January:  {"Capacitaciones programadas": "4", "Capacitaciones ejecutadas": "3"},
		time.February: {"Capacitaciones programadas": "2", "Capacitaciones ejecutadas": "5"},
		// Outside the first half.
		time.July: {"Capacitaciones programadas": "100", "Capacitaciones ejecutadas": "0"},
	}

	r := Compute(slot, state, model.FirstHalf)
	assert.Equal(t, ModePercentage, r.Mode)
	assert.Equal(t, 75.0, r.Monthly[time.January])
	assert.Equal(t, 100.0, r.Monthly[time.February])
	assert.Equal(t, 0.0, r.Monthly[time.March])
	assert.Len(t, r.Monthly, 6)
	// min(8, 6) / 6
	assert.Equal(t, 100.0, r.Percentage)

	require.Len(t, r.Warnings, 1)
	assert.Equal(t, time.February, r.Warnings[0].Month)
	assert.Equal(t, 5.0, r.Warnings[0].Value)
	assert.Equal(t, "5", state.Metrics[slot.Name][time.February]["Capacitaciones ejecutadas"])
}

func TestComputeVolume(t *testing.T) {
	slot := model.IndicatorSlot{Name: "Generación de residuos peligrosos", Kind: model.IndicatorMetric, Variables: []string{"Residuos peligrosos (kg)"}}
	state := model.NewIndicatorState()
	state.Metrics[slot.Name] = model.MetricState{
		time.July:      {"Residuos peligrosos (kg)": "1,5"},
		time.September: {"Residuos peligrosos (kg)": "2"},
	}
	r := Compute(slot, state, model.SecondHalf)
	assert.Equal(t, ModeVolume, r.Mode)
	assert.Equal(t, 1.5, r.Monthly[time.July])
	assert.Equal(t, 1.5, r.Monthly[time.August])
	assert.Equal(t, 3.5, r.Monthly[time.September])
	assert.Equal(t, 3.5, r.Monthly[time.December])
	assert.Equal(t, 3.5, r.Total)
	assert.Zero(t, r.Percentage)
}

func TestComputeChecklist(t *testing.T) {
	yes, no := true, false
	slot := model.IndicatorSlot{Name: "Condiciones de la UAR", Kind: model.IndicatorChecklist, Conditions: []string{"a", "b", "c", "d"}}

	state := model.NewIndicatorState()
	state.Checklists[slot.Name] = []*bool{&yes, &no, nil, &yes}
	r := Compute(slot, state, model.FirstHalf)
	assert.True(t, r.Pending)
	assert.Zero(t, r.Percentage)

	state.Checklists[slot.Name][2] = &yes
	r = Compute(slot, state, model.FirstHalf)
	assert.False(t, r.Pending)
	assert.Equal(t, 75.0, r.Percentage)

	r = Compute(slot, nil, model.FirstHalf)
	assert.True(t, r.Pending)
}

func TestPayloads(t *testing.T) {
	yes := true
	metric := metricSlot()
	check := model.IndicatorSlot{Name: "Condiciones de la UAR", Kind: model.IndicatorChecklist, Conditions: []string{"a", "b"}}
	volume := model.IndicatorSlot{Name: "Generación de residuos peligrosos", Kind: model.IndicatorMetric, Variables: []string{"Residuos peligrosos (kg)"}}
	active := []model.ActiveIndicator{{Slot: metric}, {Slot: check}, {Slot: volume}}

	state := model.NewIndicatorState()
	state.Metrics[metric.Name] = model.MetricState{time.March: {"Capacitaciones ejecutadas": "2"}}
	state.Checklists[check.Name] = []*bool{nil, &yes}

	partial := PartialPayload("2026-1", active, state)
	assert.Equal(t, "2026-1", partial.PeriodID)
	require.Len(t, partial.Indicators, 2)
	e, ok := partial.Find(metric.Name)
	require.True(t, ok)
	require.Len(t, e.Variables, 2)
	assert.Empty(t, e.Variables[0].Months)
	assert.Equal(t, map[time.Month]string{time.March: "2"}, e.Variables[1].Months)
	_, ok = partial.Find(volume.Name)
	assert.False(t, ok)

	full := FullPayload("2026-1", active, state, model.FirstHalf)
	require.Len(t, full.Indicators, 3)
	e, _ = full.Find(metric.Name)
	assert.Len(t, e.Variables[1].Months, 12)
	assert.Equal(t, "2", e.Variables[1].Months[time.March])
	assert.Equal(t, "0", e.Variables[1].Months[time.September])
	e, _ = full.Find(check.Name)
	assert.Len(t, e.Checklist, 2)

	back := StateFromPayload(&partial)
	assert.Equal(t, "2", back.Metrics[metric.Name][time.March]["Capacitaciones ejecutadas"])
	require.Len(t, back.Checklists[check.Name], 2)
	assert.Nil(t, back.Checklists[check.Name][0])
	assert.True(t, *back.Checklists[check.Name][1])
	assert.Nil(t, StateFromPayload(nil))
}

func TestRefreshSetsActiveIndicators(t *testing.T) {
	m, _, def := newMatcher(t)
	form := survey.NewForm(def, model.Period{ID: "2026-1", Year: 2026, Half: model.FirstHalf})
	require.NoError(t, form.SetAnswer("q15", model.Bool(true)))

	active, err := m.Refresh(context.Background(), form)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, active, form.ActiveIndicators())
	require.Len(t, form.IndicatorState().Checklists["Condiciones de la UAR"], 5)
}

func TestRefreshFailureDropsNegatedGates(t *testing.T) {
	m, svc, def := newMatcher(t)
	form := survey.NewForm(def, model.Period{ID: "2026-1", Year: 2026, Half: model.FirstHalf})
	require.NoError(t, form.SetAnswer("q07", model.Bool(true)))
	require.NoError(t, form.SetAnswer("q15", model.Bool(true)))
	_, err := m.Refresh(context.Background(), form)
	require.NoError(t, err)
	require.Len(t, form.ActiveIndicators(), 2)

	svc.err = errors.New("unavailable")
	require.NoError(t, form.SetAnswer("q07", model.Bool(false)))
	require.NoError(t, form.SetAnswer("q11", model.Bool(true)))
	_, err = m.Refresh(context.Background(), form)
	var matchErr *model.IndicatorMatchError
	require.ErrorAs(t, err, &matchErr)

	active := form.ActiveIndicators()
	require.Len(t, active, 1)
	assert.Equal(t, "Condiciones de la UAR", active[0].Slot.Name)
}
