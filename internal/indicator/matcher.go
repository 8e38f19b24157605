// Package indicator decides which derived compliance indicators apply to a set of
// gate answers and computes their values.
package indicator

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/survey"
	"github.com/roritopra/sgirs/internal/textnorm"
)

// ErrStale is returned when the form switched periods during a refresh.
var ErrStale = errors.New("indicator result belongs to a previous period")

// Matcher resolves the active indicators for the current gate answers. It only
// reads from its collaborators.
type Matcher struct {
	def     *survey.Definition
	catalog model.Catalog
	service model.IndicatorService
	logger  *slog.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(def *survey.Definition, catalog model.Catalog, service model.IndicatorService, logger *slog.Logger) *Matcher {
	return &Matcher{def: def, catalog: catalog, service: service, logger: logger}
}

// Gates returns the (question, affirmative option) pairs for every visible gate
// question currently answered yes. Option lists are fetched concurrently.
func (m *Matcher) Gates(ctx context.Context, answers model.AnswerMap) ([]model.GateAnswer, error) {
	var questions []*survey.Question
	for _, n := range m.def.IndicatorGates {
		q, ok := m.def.QuestionByNumber(n)
		if !ok || !m.def.IsVisible(q.ID, answers) {
			continue
		}
		if affirmative(answers.Get(q.ID)) {
			questions = append(questions, q)
		}
	}

	gates := make([]model.GateAnswer, len(questions))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range questions {
		g.Go(func() error {
			opts, err := m.catalog.OptionsForQuestion(gctx, q.ID)
			if err != nil {
				return &model.CatalogFetchError{Op: "options for " + q.ID, Err: err}
			}
			j := slices.IndexFunc(opts, func(o model.Option) bool { return textnorm.IsAffirmative(o.Label) })
			if j < 0 {
				m.logger.Warn("gate question has no affirmative option", "question_id", q.ID)
				return nil
			}
			gates[i] = model.GateAnswer{QuestionID: q.ID, OptionID: opts[j].ID}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &model.IndicatorMatchError{Err: err}
	}
	return slices.DeleteFunc(gates, func(g model.GateAnswer) bool { return g.OptionID == "" }), nil
}

func affirmative(v model.Value) bool {
	if b, ok := v.AsBool(); ok {
		return b
	}
	if s, ok := v.AsText(); ok {
		return textnorm.IsAffirmative(s)
	}
	return false
}

// Match resolves the active indicators for answers. An empty gate set resolves to
// no indicators without calling the indicator service.
func (m *Matcher) Match(ctx context.Context, answers model.AnswerMap) ([]model.ActiveIndicator, error) {
	gates, err := m.Gates(ctx, answers)
	if err != nil {
		return nil, err
	}
	if len(gates) == 0 {
		return nil, nil
	}
	defs, err := m.service.ResolveIndicators(ctx, gates)
	if err != nil {
		return nil, &model.IndicatorMatchError{Err: err}
	}
	active, unmatched := MatchNames(m.def.Indicators, defs)
	for _, d := range unmatched {
		m.logger.Warn("indicator has no local slot", "indicator", d.Name)
	}
	m.logger.Debug("resolved indicators", "gates", len(gates), "active", len(active))
	return active, nil
}

// MatchNames pairs service definitions with local slots by normalized display
// name. The name is the only identity the service provides, so a renamed
// indicator ends up in unmatched.
func MatchNames(slots []model.IndicatorSlot, defs []model.IndicatorDefinition) (active []model.ActiveIndicator, unmatched []model.IndicatorDefinition) {
	byName := make(map[string]model.IndicatorSlot, len(slots))
	for _, s := range slots {
		byName[textnorm.Normalize(s.Name)] = s
	}
	seen := make(map[string]bool)
	for _, d := range defs {
		key := textnorm.Normalize(d.Name)
		slot, ok := byName[key]
		if !ok {
			unmatched = append(unmatched, d)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		active = append(active, model.ActiveIndicator{Slot: slot, Definition: d})
	}
	slices.SortStableFunc(active, func(a, b model.ActiveIndicator) int { return a.Slot.Number - b.Slot.Number })
	return active, unmatched
}

// Refresh re-resolves the active indicators from the form's current answers and
// stores them on the form. When resolution fails, indicators whose gate is no
// longer answered yes are still dropped; new activations wait for a successful
// refresh. A result that arrives after the form switched periods is dropped.
func (m *Matcher) Refresh(ctx context.Context, form *survey.Form) ([]model.ActiveIndicator, error) {
	gen := form.Generation()
	answers := form.Answers()
	active, err := m.Match(ctx, answers)
	if form.Generation() != gen {
		return nil, ErrStale
	}
	if err != nil {
		m.prune(form, answers)
		return nil, err
	}
	form.SetActiveIndicators(active)
	return active, nil
}

// prune removes active indicators whose gate question is hidden or not
// affirmative in answers.
func (m *Matcher) prune(form *survey.Form, answers model.AnswerMap) {
	current := form.ActiveIndicators()
	kept := slices.DeleteFunc(slices.Clone(current), func(a model.ActiveIndicator) bool {
		if a.Slot.Gate == 0 {
			return false
		}
		q, ok := m.def.QuestionByNumber(a.Slot.Gate)
		return !ok || !m.def.IsVisible(q.ID, answers) || !affirmative(answers.Get(q.ID))
	})
	if len(kept) != len(current) {
		m.logger.Info("dropped indicators of negated gates", "period", form.Period().ID, "dropped", len(current)-len(kept))
		form.SetActiveIndicators(kept)
	}
}
