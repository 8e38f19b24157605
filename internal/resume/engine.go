// Package resume restores a persisted draft into a form when a reporting period
// is loaded.
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roritopra/sgirs/internal/indicator"
	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/survey"
)

// State is the resume progress for one reporting period.
type State int

const (
	NotStarted State = iota
	Resuming
	Resumed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Resuming:
		return "resuming"
	case Resumed:
		return "resumed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrStale is returned when the form switched to another period while a draft
// was being fetched. The response is discarded.
var ErrStale = errors.New("draft response belongs to a previous period")

// Result describes what a Resume call did.
type Result struct {
	State     State
	Found     bool
	Step      int
	Navigated bool
	Skipped   []*model.ReconciliationError
}

// Engine owns the per-period resume state machine. Each period is resumed once;
// calling Resume again for the same period is a no-op.
type Engine struct {
	def        *survey.Definition
	store      model.AnswerStore
	catalog    model.Catalog
	indicators model.IndicatorService
	logger     *slog.Logger

	mu        sync.Mutex
	periodID  string
	state     State
	prefilled bool
}

// New creates an Engine.
func New(def *survey.Definition, store model.AnswerStore, catalog model.Catalog, indicators model.IndicatorService, logger *slog.Logger) *Engine {
	return &Engine{def: def, store: store, catalog: catalog, indicators: indicators, logger: logger}
}

// State returns the resume state of a period.
func (e *Engine) State(periodID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if periodID != e.periodID {
		return NotStarted
	}
	return e.state
}

// enter makes periodID the tracked period, resetting the machine on change, and
// moves NotStarted to Resuming. It reports the state found on entry.
func (e *Engine) enter(periodID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if periodID != e.periodID {
		e.periodID = periodID
		e.state = NotStarted
		e.prefilled = false
	}
	prev := e.state
	if prev == NotStarted {
		e.state = Resuming
	}
	return prev
}

func (e *Engine) set(periodID string, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if periodID == e.periodID {
		e.state = s
	}
}

// Resume loads the draft of the form's period, merges it into the form and, the
// first time only, navigates to the furthest step reached.
func (e *Engine) Resume(ctx context.Context, form *survey.Form) (Result, error) {
	period := form.Period()
	gen := form.Generation()

	if prev := e.enter(period.ID); prev != NotStarted {
		return Result{State: prev}, nil
	}

	exists, err := e.store.DraftExists(ctx, period.ID)
	if err != nil {
		e.set(period.ID, NotStarted)
		return Result{State: NotStarted}, fmt.Errorf("check draft: %w", err)
	}
	if !exists {
		e.set(period.ID, NotStarted)
		return Result{State: NotStarted}, nil
	}

	var (
		records []model.DraftRecord
		options []model.Option
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = e.store.DraftRecords(gctx, period.ID)
		if err != nil {
			return fmt.Errorf("fetch draft: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		options, err = e.catalog.Options(gctx)
		if err != nil {
			return &model.CatalogFetchError{Op: "options", Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		e.set(period.ID, NotStarted)
		return Result{State: NotStarted}, err
	}

	if form.Generation() != gen {
		e.set(period.ID, NotStarted)
		return Result{State: NotStarted}, ErrStale
	}

	rec := Reconcile(e.def, records, options)
	for _, s := range rec.Skipped {
		e.logger.Warn("skipping draft record", "period", period.ID, "index", s.Index, "reason", s.Reason)
	}
	form.Merge(rec.Answers, rec.Attachments)

	res := Result{State: Resumed, Found: true, Step: rec.ResumeStep(e.def), Skipped: rec.Skipped}
	if res.Step > 0 && res.Step != form.Step() {
		if err := form.GoTo(res.Step); err != nil {
			return res, err
		}
		res.Navigated = true
	}
	e.set(period.ID, Resumed)
	e.logger.Info("resumed draft", "period", period.ID, "records", len(records), "answers", len(rec.Answers), "step", res.Step)

	if res.Step == e.def.IndicatorStep() {
		if err := e.PrefillIndicators(ctx, form); err != nil {
			e.logger.Warn("indicator draft not restored", "period", period.ID, "err", err)
		}
	}
	return res, nil
}

// PrefillIndicators copies the saved indicator draft of the form's period into
// empty indicator cells. It runs at most once per period; a failed attempt may be
// retried.
func (e *Engine) PrefillIndicators(ctx context.Context, form *survey.Form) error {
	period := form.Period()
	e.mu.Lock()
	if period.ID != e.periodID {
		e.periodID = period.ID
		e.state = NotStarted
		e.prefilled = false
	}
	done := e.prefilled
	e.mu.Unlock()
	if done {
		return nil
	}

	payload, err := e.indicators.IndicatorDraft(ctx, period.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("fetch indicator draft: %w", err)
	}
	if form.Period().ID != period.ID {
		return ErrStale
	}
	form.PrefillIndicators(indicator.StateFromPayload(payload))

	e.mu.Lock()
	if period.ID == e.periodID {
		e.prefilled = true
	}
	e.mu.Unlock()
	return nil
}
