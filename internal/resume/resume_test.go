package resume

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/survey"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string][]model.DraftRecord
	lookups int
	fetches int
	err     error
	// onFetch runs inside DraftRecords, before it returns.
	onFetch func()
}

func (s *fakeStore) DraftExists(_ context.Context, periodID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return false, s.err
	}
	_, ok := s.records[periodID]
	return ok, nil
}

func (s *fakeStore) DraftRecords(_ context.Context, periodID string) ([]model.DraftRecord, error) {
	s.mu.Lock()
	s.fetches++
	recs := s.records[periodID]
	hook := s.onFetch
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return recs, nil
}

func (s *fakeStore) CreateDraft(context.Context, string, []model.PartialEntry) error { return nil }
func (s *fakeStore) UpdateDraft(context.Context, string, []model.PartialEntry) error { return nil }
func (s *fakeStore) SubmitAnswers(context.Context, string, []model.FinalEntry) error { return nil }
func (s *fakeStore) UploadAttachments(context.Context, string, []model.Upload) ([]model.UploadedFile, error) {
	return nil, nil
}

type fakeCatalog struct {
	options []model.Option
	err     error
}

func (c *fakeCatalog) QuestionTypes(context.Context) ([]model.QuestionType, error) { return nil, nil }
func (c *fakeCatalog) Options(context.Context) ([]model.Option, error)            { return c.options, c.err }
func (c *fakeCatalog) OptionsForQuestion(context.Context, string) ([]model.Option, error) {
	return nil, nil
}
func (c *fakeCatalog) QuestionByNumber(context.Context, int) (model.QuestionMeta, error) {
	return model.QuestionMeta{}, nil
}

type fakeIndicators struct {
	draft *model.IndicatorPayload
	calls int
}

func (f *fakeIndicators) ResolveIndicators(context.Context, []model.GateAnswer) ([]model.IndicatorDefinition, error) {
	return nil, nil
}
func (f *fakeIndicators) IndicatorDraft(context.Context, string) (*model.IndicatorPayload, error) {
	f.calls++
	if f.draft == nil {
		return nil, model.ErrNotFound
	}
	return f.draft, nil
}
func (f *fakeIndicators) SubmitIndicators(context.Context, model.IndicatorPayload) error   { return nil }
func (f *fakeIndicators) SaveIndicatorDraft(context.Context, model.IndicatorPayload) error { return nil }

func catalogOf(def *survey.Definition) []model.Option {
	var out []model.Option
	def.Walk(func(q *survey.Question) {
		for _, o := range q.Options {
			out = append(out, model.Option{ID: o.ID, QuestionID: q.ID, QuestionNumber: q.Number, Label: o.Label})
		}
	})
	return out
}

type fixture struct {
	def        *survey.Definition
	store      *fakeStore
	catalog    *fakeCatalog
	indicators *fakeIndicators
	engine     *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	def, err := survey.Default()
	require.NoError(t, err)
	f := &fixture{
		def:        def,
		store:      &fakeStore{records: map[string][]model.DraftRecord{}},
		catalog:    &fakeCatalog{options: catalogOf(def)},
		indicators: &fakeIndicators{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = New(def, f.store, f.catalog, f.indicators, logger)
	return f
}

var period = model.Period{ID: "2026-1", Year: 2026, Half: model.FirstHalf}

func TestReconcileMultiSelectDedup(t *testing.T) {
	f := newFixture(t)
	records := []model.DraftRecord{
		{QuestionID: "q18", OptionID: "A"},
		{QuestionID: "q18", OptionID: "A"},
		{QuestionID: "q18", OptionID: "B"},
	}
	rec := Reconcile(f.def, records, f.catalog.options)
	assert.Equal(t, model.List("A", "B"), rec.Answers["q18"])
	assert.Empty(t, rec.Skipped)
}

func TestReconcileBothShapes(t *testing.T) {
	f := newFixture(t)
	byNumber := []model.DraftRecord{
		{QuestionNumber: 1, Answer: model.Text("Sí")},
		{QuestionNumber: 3, Answer: model.Text("Entre 1 y 3 años")},
		{QuestionNumber: 4, Answer: model.Text("no")},
		{QuestionNumber: 2, AttachmentURL: "https://files.example/plan.pdf"},
	}
	byID := []model.DraftRecord{
		{QuestionID: "q01", OptionID: "q01-si"},
		{QuestionID: "q03", OptionID: "q03-1-3"},
		{QuestionID: "q04", Answer: model.Bool(false)},
		{QuestionID: "q02", AttachmentURL: "https://files.example/plan.pdf", AttachmentName: "plan.pdf"},
	}

	a := Reconcile(f.def, byNumber, f.catalog.options)
	b := Reconcile(f.def, byID, f.catalog.options)
	assert.Equal(t, a.Answers, b.Answers)
	assert.Equal(t, model.Bool(true), a.Answers["q01"])
	assert.Equal(t, model.Text("q03-1-3"), a.Answers["q03"])
	assert.Equal(t, model.Bool(false), a.Answers["q04"])
	assert.Equal(t, "plan.pdf", a.Attachments["q02"].Name)
	assert.Equal(t, "plan.pdf", b.Attachments["q02"].Name)
	assert.Equal(t, 4, a.Highest)
	assert.Equal(t, 2, a.ResumeStep(f.def))
}

func TestReconcileLabelFallsBackToValue(t *testing.T) {
	f := newFixture(t)
	rec := Reconcile(f.def, []model.DraftRecord{
		{QuestionNumber: 20, Answer: model.Text("legacy-option")},
		{QuestionNumber: 21, Answer: model.Text("Gestor externo")},
	}, f.catalog.options)
	assert.Equal(t, model.Text("legacy-option"), rec.Answers["q20"])
	assert.Equal(t, model.Text("Gestor externo"), rec.Answers["q21"])
}

func TestReconcileArrayAnswer(t *testing.T) {
	f := newFixture(t)
	q18, ok := f.def.Question("q18")
	require.True(t, ok)
	require.GreaterOrEqual(t, len(q18.Options), 2)
	first, second := q18.Options[0], q18.Options[1]

	rec := Reconcile(f.def, []model.DraftRecord{
		{QuestionNumber: 18, Answer: model.List(first.Label, second.Label, first.Label)},
	}, f.catalog.options)
	assert.Equal(t, model.List(first.ID, second.ID), rec.Answers["q18"])
}

func TestReconcileSkipsMalformed(t *testing.T) {
	f := newFixture(t)
	rec := Reconcile(f.def, []model.DraftRecord{
		{Answer: model.Text("orphan")},
		{QuestionNumber: 999, Answer: model.Text("Sí")},
		{QuestionID: "nope", OptionID: "x"},
		{QuestionID: "q07", Answer: model.Text("quizás")},
		{QuestionID: "q06", OptionID: "q06-no"},
	}, f.catalog.options)
	assert.Equal(t, model.AnswerMap{"q06": model.Bool(false)}, rec.Answers)
	require.Len(t, rec.Skipped, 4)
	idx := []int{rec.Skipped[0].Index, rec.Skipped[1].Index, rec.Skipped[2].Index, rec.Skipped[3].Index}
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, idx)
}

func TestReconcileIdempotent(t *testing.T) {
	f := newFixture(t)
	records := []model.DraftRecord{
		{QuestionNumber: 18, Answer: model.Text("Químicos")},
		{QuestionNumber: 18, Answer: model.Text("Químicos")},
		{QuestionNumber: 15, Answer: model.Text("Si")},
	}
	first := Reconcile(f.def, records, f.catalog.options)
	second := Reconcile(f.def, records, f.catalog.options)
	assert.Equal(t, first, second)

	form := survey.NewForm(f.def, period)
	form.Merge(first.Answers, first.Attachments)
	form.Merge(second.Answers, second.Attachments)
	assert.Equal(t, first.Answers, form.Answers())
}

func TestReconcileFinalQuestionResumesAtIndicators(t *testing.T) {
	f := newFixture(t)
	rec := Reconcile(f.def, []model.DraftRecord{
		{QuestionNumber: 2, AttachmentURL: "u"},
		{QuestionNumber: 31, Answer: model.Text("Sí")},
	}, f.catalog.options)
	assert.True(t, rec.Final)
	assert.Equal(t, 13, rec.ResumeStep(f.def))
}

func TestResumeNavigatesOnce(t *testing.T) {
	f := newFixture(t)
	f.store.records[period.ID] = []model.DraftRecord{
		{QuestionNumber: 1, Answer: model.Text("No")},
		{QuestionNumber: 15, Answer: model.Text("Sí")},
	}
	form := survey.NewForm(f.def, period)
	require.NoError(t, form.SetAnswer("q06", model.Bool(true)))

	res, err := f.engine.Resume(context.Background(), form)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.True(t, res.Navigated)
	assert.Equal(t, 6, res.Step)
	assert.Equal(t, 6, form.Step())
	assert.Equal(t, Resumed, f.engine.State(period.ID))
	assert.Equal(t, model.Bool(true), form.Answer("q15"))
	assert.Equal(t, model.Bool(true), form.Answer("q06"), "unrelated answers are kept")

	require.NoError(t, form.GoTo(2))
	res, err = f.engine.Resume(context.Background(), form)
	require.NoError(t, err)
	assert.False(t, res.Navigated)
	assert.Equal(t, Resumed, res.State)
	assert.Equal(t, 2, form.Step())
	assert.Equal(t, 1, f.store.lookups)
	assert.Equal(t, 1, f.store.fetches)
}

func TestResumeResetsOnPeriodChange(t *testing.T) {
	f := newFixture(t)
	f.store.records[period.ID] = []model.DraftRecord{{QuestionNumber: 15, Answer: model.Text("Sí")}}
	other := model.Period{ID: "2026-2", Year: 2026, Half: model.SecondHalf}
	f.store.records[other.ID] = []model.DraftRecord{{QuestionNumber: 19, Answer: model.Text("No")}}

	form := survey.NewForm(f.def, period)
	_, err := f.engine.Resume(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, 6, form.Step())

	form.SwitchPeriod(other)
	assert.Equal(t, NotStarted, f.engine.State(other.ID))
	res, err := f.engine.Resume(context.Background(), form)
	require.NoError(t, err)
	assert.True(t, res.Navigated)
	assert.Equal(t, 8, form.Step())
	assert.True(t, form.Answer("q15").IsNull())
}

func TestResumeOnCurrentStepDoesNotNavigate(t *testing.T) {
	f := newFixture(t)
	f.store.records[period.ID] = []model.DraftRecord{
		{QuestionNumber: 1, Answer: model.Text("No")},
		{QuestionNumber: 15, Answer: model.Text("Sí")},
	}
	form := survey.NewForm(f.def, period)
	require.NoError(t, form.GoTo(6))

	res, err := f.engine.Resume(context.Background(), form)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 6, res.Step)
	assert.False(t, res.Navigated)
	assert.Equal(t, 6, form.Step())
	assert.Equal(t, Resumed, f.engine.State(period.ID))
}

func TestResumeWithoutDraft(t *testing.T) {
	f := newFixture(t)
	form := survey.NewForm(f.def, period)
	res, err := f.engine.Resume(context.Background(), form)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, NotStarted, f.engine.State(period.ID))
	assert.Equal(t, 1, form.Step())
	assert.Zero(t, f.store.fetches)
}

func TestResumeCatalogFailure(t *testing.T) {
	f := newFixture(t)
	f.store.records[period.ID] = []model.DraftRecord{{QuestionNumber: 15, Answer: model.Text("Sí")}}
	f.catalog.err = errors.New("unavailable")
	form := survey.NewForm(f.def, period)

	_, err := f.engine.Resume(context.Background(), form)
	var catErr *model.CatalogFetchError
	require.ErrorAs(t, err, &catErr)
	assert.Equal(t, NotStarted, f.engine.State(period.ID))
	assert.True(t, form.Answer("q15").IsNull())

	f.catalog.err = nil
	res, err := f.engine.Resume(context.Background(), form)
	require.NoError(t, err)
	assert.True(t, res.Found)
}

func TestResumeDiscardsStaleResponse(t *testing.T) {
	f := newFixture(t)
	f.store.records[period.ID] = []model.DraftRecord{{QuestionNumber: 15, Answer: model.Text("Sí")}}
	form := survey.NewForm(f.def, period)
	f.store.onFetch = func() {
		form.SwitchPeriod(model.Period{ID: "2025-2", Year: 2025, Half: model.SecondHalf})
	}

	_, err := f.engine.Resume(context.Background(), form)
	require.ErrorIs(t, err, ErrStale)
	assert.True(t, form.Answer("q15").IsNull())
	assert.Equal(t, 1, form.Step())
}

func TestResumePrefillsIndicatorsOnce(t *testing.T) {
	f := newFixture(t)
	f.store.records[period.ID] = []model.DraftRecord{{QuestionNumber: 31, Answer: model.Text("Sí")}}
	f.indicators.draft = &model.IndicatorPayload{PeriodID: period.ID, Indicators: []model.IndicatorEntry{{
		Name: "Cumplimiento de capacitaciones",
		Kind: model.IndicatorMetric,
		Variables: []model.VariableEntry{
			{Name: "Capacitaciones programadas", Months: map[time.Month]string{time.January: "4"}},
		},
	}}}
	form := survey.NewForm(f.def, period)
	require.NoError(t, form.SetMetricValue("Cumplimiento de capacitaciones", time.January, "Capacitaciones programadas", "9"))

	res, err := f.engine.Resume(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, 13, res.Step)
	assert.Equal(t, 1, f.indicators.calls)
	// Values already typed are not overwritten.
	assert.Equal(t, "9", form.IndicatorState().Metrics["Cumplimiento de capacitaciones"][time.January]["Capacitaciones programadas"])

	require.NoError(t, f.engine.PrefillIndicators(context.Background(), form))
	assert.Equal(t, 1, f.indicators.calls)
}
