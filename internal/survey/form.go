package survey

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roritopra/sgirs/internal/model"
)

// Form is the working state of one survey for one reporting period. It is passed
// explicitly to every engine operation; all mutation goes through its methods.
type Form struct {
	mu          sync.Mutex
	def         *Definition
	period      model.Period
	generation  uint64
	answers     model.AnswerMap
	attachments model.AttachmentMap
	indicators  *model.IndicatorState
	active      []model.ActiveIndicator
	step        int
	submitted   bool
}

// Snapshot is a consistent copy of a Form's state.
type Snapshot struct {
	Period      model.Period
	Generation  uint64
	Answers     model.AnswerMap
	Attachments model.AttachmentMap
	Indicators  *model.IndicatorState
	Active      []model.ActiveIndicator
	Step        int
	Submitted   bool
}

// IndicatorView returns the view used to validate the indicators step.
func (s Snapshot) IndicatorView() model.IndicatorView {
	return model.IndicatorView{Active: s.Active, State: s.Indicators, Half: s.Period.Half}
}

// NewForm returns an empty form positioned on the first step.
func NewForm(def *Definition, period model.Period) *Form {
	return &Form{
		def:         def,
		period:      period,
		answers:     make(model.AnswerMap),
		attachments: make(model.AttachmentMap),
		step:        1,
	}
}

// Definition returns the survey the form follows.
func (f *Form) Definition() *Definition { return f.def }

// Period returns the active reporting period.
func (f *Form) Period() model.Period {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.period
}

// Generation changes every time the period switches.
func (f *Form) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// SwitchPeriod makes p the active period. Switching to a different id clears all
// answers, attachments, indicator state and the submitted flag.
func (f *Form) SwitchPeriod(p model.Period) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == f.period.ID {
		f.period = p
		return
	}
	f.period = p
	f.generation++
	f.answers = make(model.AnswerMap)
	f.attachments = make(model.AttachmentMap)
	f.indicators = nil
	f.active = nil
	f.step = 1
	f.submitted = false
}

// SetAnswer stores the answer for a question after coercing it to the question's kind.
func (f *Form) SetAnswer(questionID string, v model.Value) error {
	q, ok := f.def.Question(questionID)
	if !ok {
		return fmt.Errorf("unknown question %s: %w", questionID, model.ErrNotFound)
	}
	canonical, err := f.def.Coerce(q, v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if canonical.IsNull() {
		delete(f.answers, questionID)
		return nil
	}
	f.answers[questionID] = canonical
	return nil
}

// ClearAnswer removes the answer for a question. Descendant answers are kept;
// they are hidden by visibility, not deleted.
func (f *Form) ClearAnswer(questionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.answers, questionID)
}

// Answer returns the current answer for a question.
func (f *Form) Answer(questionID string) model.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers.Get(questionID)
}

// Answers returns a copy of all answers.
func (f *Form) Answers() model.AnswerMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers.Clone()
}

// SetAttachment records file evidence for a question.
func (f *Form) SetAttachment(questionID string, att model.Attachment) error {
	q, ok := f.def.Question(questionID)
	if !ok {
		return fmt.Errorf("unknown question %s: %w", questionID, model.ErrNotFound)
	}
	if !q.AcceptsAttachment() {
		return fmt.Errorf("question %s does not accept attachments", questionID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[questionID] = att
	return nil
}

// RemoveAttachment drops the attachment of a question.
func (f *Form) RemoveAttachment(questionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attachments, questionID)
}

// Attachments returns a copy of all attachments.
func (f *Form) Attachments() model.AttachmentMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachments.Clone()
}

// MarkUploaded records the remote location of uploaded files and forgets their
// local copies.
func (f *Form) MarkUploaded(files []model.UploadedFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, up := range files {
		att, ok := f.attachments[up.QuestionID]
		if !ok {
			continue
		}
		att.RemoteURL = up.URL
		att.LocalPath = ""
		f.attachments[up.QuestionID] = att
	}
}

// Merge adds answers and attachments reconciled from a draft. Keys not present in
// the draft are left untouched.
func (f *Form) Merge(answers model.AnswerMap, attachments model.AttachmentMap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, v := range answers {
		f.answers[id] = v
	}
	for id, att := range attachments {
		if cur, ok := f.attachments[id]; ok && cur.Pending() && att.RemoteURL != "" {
			// Keep a newer local file that has not been uploaded yet.
			continue
		}
		f.attachments[id] = att
	}
}

// SetActiveIndicators replaces the active indicator set and makes sure the
// indicator state has room for each of them.
func (f *Form) SetActiveIndicators(active []model.ActiveIndicator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = slices.Clone(active)
	f.ensureState()
	for _, a := range active {
		switch a.Slot.Kind {
		case model.IndicatorMetric:
			if f.indicators.Metrics[a.Slot.Name] == nil {
				f.indicators.Metrics[a.Slot.Name] = make(model.MetricState)
			}
		case model.IndicatorChecklist:
			conds := f.indicators.Checklists[a.Slot.Name]
			if len(conds) < len(a.Slot.Conditions) {
				grown := make([]*bool, len(a.Slot.Conditions))
				copy(grown, conds)
				f.indicators.Checklists[a.Slot.Name] = grown
			}
		}
	}
}

// ActiveIndicators returns the indicators matched for the current gate answers.
func (f *Form) ActiveIndicators() []model.ActiveIndicator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.active)
}

func (f *Form) ensureState() {
	if f.indicators == nil {
		f.indicators = model.NewIndicatorState()
	}
}

// SetMetricValue stores one monthly value of a metric indicator variable.
func (f *Form) SetMetricValue(indicator string, month time.Month, variable, value string) error {
	slot, ok := f.def.Slot(indicator)
	if !ok || slot.Kind != model.IndicatorMetric {
		return fmt.Errorf("unknown metric indicator %q: %w", indicator, model.ErrNotFound)
	}
	if !slices.Contains(slot.Variables, variable) {
		return fmt.Errorf("indicator %q has no variable %q: %w", indicator, variable, model.ErrNotFound)
	}
	if month < time.January || month > time.December {
		return fmt.Errorf("invalid month %d", month)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureState()
	metric := f.indicators.Metrics[indicator]
	if metric == nil {
		metric = make(model.MetricState)
		f.indicators.Metrics[indicator] = metric
	}
	if metric[month] == nil {
		metric[month] = make(model.MonthValues)
	}
	metric[month][variable] = value
	return nil
}

// SetCondition answers (or, with nil, un-answers) one checklist condition.
func (f *Form) SetCondition(indicator string, index int, value *bool) error {
	slot, ok := f.def.Slot(indicator)
	if !ok || slot.Kind != model.IndicatorChecklist {
		return fmt.Errorf("unknown checklist indicator %q: %w", indicator, model.ErrNotFound)
	}
	if index < 0 || index >= len(slot.Conditions) {
		return fmt.Errorf("indicator %q has no condition %d", indicator, index)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureState()
	conds := f.indicators.Checklists[indicator]
	if len(conds) < len(slot.Conditions) {
		grown := make([]*bool, len(slot.Conditions))
		copy(grown, conds)
		conds = grown
	}
	if value != nil {
		b := *value
		value = &b
	}
	conds[index] = value
	f.indicators.Checklists[indicator] = conds
	return nil
}

// PrefillIndicators copies saved indicator values into cells that are still empty.
func (f *Form) PrefillIndicators(saved *model.IndicatorState) {
	if saved == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureState()
	for name, metric := range saved.Metrics {
		cur := f.indicators.Metrics[name]
		if cur == nil {
			cur = make(model.MetricState)
			f.indicators.Metrics[name] = cur
		}
		for m, vals := range metric {
			if cur[m] == nil {
				cur[m] = make(model.MonthValues)
			}
			for variable, v := range vals {
				if cur[m][variable] == "" {
					cur[m][variable] = v
				}
			}
		}
	}
	for name, conds := range saved.Checklists {
		cur := f.indicators.Checklists[name]
		if len(cur) < len(conds) {
			grown := make([]*bool, len(conds))
			copy(grown, cur)
			cur = grown
		}
		for i, c := range conds {
			if cur[i] == nil && c != nil {
				b := *c
				cur[i] = &b
			}
		}
		f.indicators.Checklists[name] = cur
	}
}

// IndicatorState returns a copy of the indicator state, nil if never initialized.
func (f *Form) IndicatorState() *model.IndicatorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indicators.Clone()
}

// Step returns the current step.
func (f *Form) Step() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// GoTo moves to step n.
func (f *Form) GoTo(n int) error {
	if _, ok := f.def.Step(n); !ok {
		return fmt.Errorf("step %d out of range 1..%d", n, f.def.StepCount())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step = n
	return nil
}

// Submitted reports whether the survey was finalized.
func (f *Form) Submitted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

// MarkSubmitted flags the survey as finalized.
func (f *Form) MarkSubmitted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = true
}

// Snapshot returns a consistent copy of the whole state.
func (f *Form) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		Period:      f.period,
		Generation:  f.generation,
		Answers:     f.answers.Clone(),
		Attachments: f.attachments.Clone(),
		Indicators:  f.indicators.Clone(),
		Active:      slices.Clone(f.active),
		Step:        f.step,
		Submitted:   f.submitted,
	}
}

// StepComplete validates step n against the current state.
func (f *Form) StepComplete(n int) bool {
	s := f.Snapshot()
	return f.def.StepComplete(n, s.Answers, s.Attachments, s.IndicatorView())
}

// IncompleteSteps lists every step that is not complete.
func (f *Form) IncompleteSteps() []int {
	s := f.Snapshot()
	return f.def.IncompleteSteps(s.Answers, s.Attachments, s.IndicatorView())
}
