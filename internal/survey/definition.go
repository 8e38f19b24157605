// Package survey holds the static survey model (steps, questions, indicator slots),
// decides which questions are visible for a set of answers, and decides whether a
// step is complete.
package survey

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/textnorm"
)

//go:embed sgirs.yaml
var defaultSurvey []byte

// Kind is the question variant. Resolver and validator switch over it exhaustively.
type Kind uint8

const (
	YesNo Kind = iota + 1
	SingleSelect
	MultiSelect
	FreeText
	FileOnly
)

var kindNames = map[Kind]string{
	YesNo:        "yes_no",
	SingleSelect: "single_select",
	MultiSelect:  "multi_select",
	FreeText:     "free_text",
	FileOnly:     "file_only",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind parses a kind name as written in the definition file.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown question kind %q", s)
}

func (k *Kind) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseKind(node.Value)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// AttachmentPolicy says whether a question accepts file evidence.
type AttachmentPolicy string

const (
	AttachmentNone     AttachmentPolicy = ""
	AttachmentAllowed  AttachmentPolicy = "allowed"
	AttachmentRequired AttachmentPolicy = "required"
)

// Option is a selectable answer of a question.
type Option struct {
	ID                 string `yaml:"id" json:"id"`
	Label              string `yaml:"label" json:"label"`
	RequiresAttachment bool   `yaml:"requires_attachment,omitempty" json:"requires_attachment,omitempty"`
}

// Question is one question and its conditional children. A child with a nil
// Trigger is shown whenever its parent is shown.
type Question struct {
	ID          string           `yaml:"id" json:"id"`
	Number      int              `yaml:"number" json:"number"`
	Text        string           `yaml:"text" json:"text"`
	Kind        Kind             `yaml:"kind" json:"kind"`
	Options     []Option         `yaml:"options,omitempty" json:"options,omitempty"`
	Trigger     *model.Value     `yaml:"-" json:"trigger,omitempty"`
	Children    []Question       `yaml:"children,omitempty" json:"-"`
	Optional    bool             `yaml:"optional,omitempty" json:"optional,omitempty"`
	Attachment  AttachmentPolicy `yaml:"attachment,omitempty" json:"attachment,omitempty"`
	UploadField string           `yaml:"upload_field,omitempty" json:"upload_field,omitempty"`
}

// UnmarshalYAML decodes the question and its typed trigger.
func (q *Question) UnmarshalYAML(node *yaml.Node) error {
	type plain Question
	var raw struct {
		plain   `yaml:",inline"`
		Trigger yaml.Node `yaml:"trigger"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*q = Question(raw.plain)
	if raw.Trigger.Kind == 0 {
		return nil
	}
	v, err := decodeTrigger(&raw.Trigger)
	if err != nil {
		return fmt.Errorf("question %s: %w", q.ID, err)
	}
	q.Trigger = &v
	return nil
}

func decodeTrigger(n *yaml.Node) (model.Value, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!bool" {
			var b bool
			if err := n.Decode(&b); err != nil {
				return model.Null, err
			}
			return model.Bool(b), nil
		}
		return model.Text(n.Value), nil
	case yaml.SequenceNode:
		var ids []string
		if err := n.Decode(&ids); err != nil {
			return model.Null, err
		}
		return model.List(ids...), nil
	}
	return model.Null, fmt.Errorf("unsupported trigger at line %d", n.Line)
}

// Option returns the option with the given id.
func (q *Question) Option(id string) (Option, bool) {
	i := slices.IndexFunc(q.Options, func(o Option) bool { return o.ID == id })
	if i < 0 {
		return Option{}, false
	}
	return q.Options[i], true
}

// OptionByLabel returns the option whose label matches ignoring case and accents.
func (q *Question) OptionByLabel(label string) (Option, bool) {
	want := textnorm.Normalize(label)
	i := slices.IndexFunc(q.Options, func(o Option) bool { return textnorm.Normalize(o.Label) == want })
	if i < 0 {
		return Option{}, false
	}
	return q.Options[i], true
}

// AcceptsAttachment reports whether file evidence may be attached to q.
func (q *Question) AcceptsAttachment() bool {
	if q.Kind == FileOnly || q.Attachment != AttachmentNone {
		return true
	}
	return slices.ContainsFunc(q.Options, func(o Option) bool { return o.RequiresAttachment })
}

// Step is one page of the survey.
type Step struct {
	Number int    `yaml:"number" json:"number"`
	Title  string `yaml:"title" json:"title"`
	// Gate is the ordinal of the yes/no question whose "no" completes the step.
	Gate int `yaml:"gate,omitempty" json:"gate,omitempty"`
	// Questions lists the ordinals of the top-level questions on the step.
	Questions  []int `yaml:"questions,omitempty" json:"questions,omitempty"`
	Indicators bool  `yaml:"indicators,omitempty" json:"indicators,omitempty"`
}

// Definition is a complete survey.
type Definition struct {
	Name           string                `yaml:"name"`
	Steps          []Step                `yaml:"steps"`
	Questions      []Question            `yaml:"questions"`
	Indicators     []model.IndicatorSlot `yaml:"indicators"`
	IndicatorGates []int                 `yaml:"indicator_gates"`
	// FinalQuestion is only answered at the very end; a draft holding it resumes on
	// the indicators step.
	FinalQuestion int `yaml:"final_question"`

	byID     map[string]*Question
	byNumber map[int]*Question
	stepOf   map[int]int
	parentOf map[string]string
}

// Default returns the embedded survey definition.
func Default() (*Definition, error) {
	return Parse(defaultSurvey)
}

// LoadFile reads a definition from a YAML file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read survey %s: %w", path, err)
	}
	return Parse(data)
}

// Load reads a definition from r.
func Load(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read survey: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML definition.
func Parse(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse survey: %w", err)
	}
	if err := d.index(); err != nil {
		return nil, fmt.Errorf("invalid survey %q: %w", d.Name, err)
	}
	return &d, nil
}

// Source returns the raw bytes of the embedded default definition.
func Source() []byte {
	return slices.Clone(defaultSurvey)
}

func (d *Definition) index() error {
	d.byID = make(map[string]*Question)
	d.byNumber = make(map[int]*Question)
	d.stepOf = make(map[int]int)
	d.parentOf = make(map[string]string)

	var walk func(qs []Question, parent *Question) error
	walk = func(qs []Question, parent *Question) error {
		for i := range qs {
			q := &qs[i]
			if q.ID == "" || q.Number <= 0 {
				return fmt.Errorf("question %q needs an id and a positive number", q.Text)
			}
			if _, dup := d.byID[q.ID]; dup {
				return fmt.Errorf("duplicate question id %s", q.ID)
			}
			if _, dup := d.byNumber[q.Number]; dup {
				return fmt.Errorf("duplicate question number %d", q.Number)
			}
			if q.Kind == 0 {
				return fmt.Errorf("question %s has no kind", q.ID)
			}
			if q.Kind == YesNo && len(q.Options) == 0 {
				q.Options = []Option{
					{ID: q.ID + "-si", Label: "Sí"},
					{ID: q.ID + "-no", Label: "No"},
				}
			}
			d.byID[q.ID] = q
			d.byNumber[q.Number] = q
			if parent != nil {
				d.parentOf[q.ID] = parent.ID
				if err := checkTrigger(parent, q); err != nil {
					return err
				}
			} else if q.Trigger != nil {
				return fmt.Errorf("top-level question %s cannot have a trigger", q.ID)
			}
			if err := walk(q.Children, q); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(d.Questions, nil); err != nil {
		return err
	}

	indicatorSteps := 0
	for i, st := range d.Steps {
		if st.Number != i+1 {
			return fmt.Errorf("step %d out of order at position %d", st.Number, i+1)
		}
		if st.Indicators {
			indicatorSteps++
			continue
		}
		for _, n := range st.Questions {
			q, ok := d.byNumber[n]
			if !ok {
				return fmt.Errorf("step %d references unknown question %d", st.Number, n)
			}
			if _, child := d.parentOf[q.ID]; child {
				return fmt.Errorf("step %d lists child question %d", st.Number, n)
			}
			if prev, taken := d.stepOf[n]; taken {
				return fmt.Errorf("question %d owned by steps %d and %d", n, prev, st.Number)
			}
			d.assignStep(q, st.Number)
		}
		if st.Gate > 0 {
			g, ok := d.byNumber[st.Gate]
			if !ok || g.Kind != YesNo || !slices.Contains(st.Questions, st.Gate) {
				return fmt.Errorf("step %d gate %d must be a yes/no question on the step", st.Number, st.Gate)
			}
		}
	}
	if indicatorSteps != 1 {
		return fmt.Errorf("expected exactly one indicators step, got %d", indicatorSteps)
	}
	for n := range d.byNumber {
		if _, ok := d.stepOf[n]; !ok {
			return fmt.Errorf("question %d is not owned by any step", n)
		}
	}
	for _, n := range d.IndicatorGates {
		g, ok := d.byNumber[n]
		if !ok || g.Kind != YesNo {
			return fmt.Errorf("indicator gate %d must be a yes/no question", n)
		}
	}
	if d.FinalQuestion > 0 {
		if _, ok := d.byNumber[d.FinalQuestion]; !ok {
			return fmt.Errorf("final question %d does not exist", d.FinalQuestion)
		}
	}
	seen := make(map[string]bool)
	for _, slot := range d.Indicators {
		key := textnorm.Normalize(slot.Name)
		if seen[key] {
			return fmt.Errorf("duplicate indicator %q", slot.Name)
		}
		seen[key] = true
		if slot.Gate > 0 && !slices.Contains(d.IndicatorGates, slot.Gate) {
			return fmt.Errorf("indicator %q gate %d is not an indicator gate", slot.Name, slot.Gate)
		}
		switch slot.Kind {
		case model.IndicatorMetric:
			if len(slot.Variables) == 0 {
				return fmt.Errorf("metric indicator %q has no variables", slot.Name)
			}
		case model.IndicatorChecklist:
			if len(slot.Conditions) == 0 {
				return fmt.Errorf("checklist indicator %q has no conditions", slot.Name)
			}
		default:
			return fmt.Errorf("indicator %q has unknown kind %q", slot.Name, slot.Kind)
		}
	}
	return nil
}

func (d *Definition) assignStep(q *Question, step int) {
	d.stepOf[q.Number] = step
	for i := range q.Children {
		d.assignStep(&q.Children[i], step)
	}
}

func checkTrigger(parent, child *Question) error {
	if child.Trigger == nil {
		return nil
	}
	t := *child.Trigger
	switch parent.Kind {
	case YesNo:
		if t.Kind() == model.KindBool {
			return nil
		}
	case SingleSelect:
		if id, ok := t.AsText(); ok {
			if _, found := parent.Option(id); found {
				return nil
			}
		}
	case MultiSelect:
		if t.Kind() == model.KindList {
			return nil
		}
	case FreeText, FileOnly:
	}
	return fmt.Errorf("question %s: trigger %s does not fit %s parent %s", child.ID, t, parent.Kind, parent.ID)
}

// Question returns the question with the given id.
func (d *Definition) Question(id string) (*Question, bool) {
	q, ok := d.byID[id]
	return q, ok
}

// QuestionByNumber returns the question with the given ordinal.
func (d *Definition) QuestionByNumber(n int) (*Question, bool) {
	q, ok := d.byNumber[n]
	return q, ok
}

// Parent returns the id of a conditional question's parent.
func (d *Definition) Parent(id string) (string, bool) {
	p, ok := d.parentOf[id]
	return p, ok
}

// StepOf returns the step owning the question ordinal, or 0.
func (d *Definition) StepOf(number int) int {
	return d.stepOf[number]
}

// StepCount returns the number of steps.
func (d *Definition) StepCount() int { return len(d.Steps) }

// Step returns step n (1-based).
func (d *Definition) Step(n int) (Step, bool) {
	if n < 1 || n > len(d.Steps) {
		return Step{}, false
	}
	return d.Steps[n-1], true
}

// IndicatorStep returns the number of the indicators step.
func (d *Definition) IndicatorStep() int {
	for _, st := range d.Steps {
		if st.Indicators {
			return st.Number
		}
	}
	return 0
}

// Slot returns the local indicator slot with the given name.
func (d *Definition) Slot(name string) (model.IndicatorSlot, bool) {
	i := slices.IndexFunc(d.Indicators, func(s model.IndicatorSlot) bool { return s.Name == name })
	if i < 0 {
		return model.IndicatorSlot{}, false
	}
	return d.Indicators[i], true
}

// Questions of step n at top level, in declaration order.
func (d *Definition) topLevel(step int) []*Question {
	var out []*Question
	for i := range d.Questions {
		q := &d.Questions[i]
		if d.stepOf[q.Number] == step {
			out = append(out, q)
		}
	}
	return out
}

// Walk calls fn for every question, parents before children.
func (d *Definition) Walk(fn func(q *Question)) {
	var walk func(qs []Question)
	walk = func(qs []Question) {
		for i := range qs {
			fn(&qs[i])
			walk(qs[i].Children)
		}
	}
	walk(d.Questions)
}

// Coerce converts a loosely typed answer into the canonical value for q: yes/no
// labels become booleans, option labels become option ids, and a single id for a
// multi-select becomes a one-element list.
func (d *Definition) Coerce(q *Question, v model.Value) (model.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	switch q.Kind {
	case YesNo:
		if _, ok := v.AsBool(); ok {
			return v, nil
		}
		if s, ok := v.AsText(); ok {
			if b, ok := textnorm.ParseYesNo(s); ok {
				return model.Bool(b), nil
			}
		}
	case SingleSelect:
		if s, ok := v.AsText(); ok {
			if id, ok := resolveOption(q, s); ok {
				return model.Text(id), nil
			}
		}
	case MultiSelect:
		items, ok := v.AsList()
		if !ok {
			s, isText := v.AsText()
			if !isText {
				break
			}
			items = []string{s}
		}
		ids := make([]string, 0, len(items))
		for _, it := range items {
			id, ok := resolveOption(q, it)
			if !ok {
				return model.Null, fmt.Errorf("question %s: unknown option %q", q.ID, it)
			}
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		return model.List(ids...), nil
	case FreeText:
		if _, ok := v.AsText(); ok {
			return v, nil
		}
	case FileOnly:
		return model.Null, fmt.Errorf("question %s only takes a file", q.ID)
	}
	return model.Null, fmt.Errorf("question %s (%s) cannot take answer %s", q.ID, q.Kind, v)
}

func resolveOption(q *Question, s string) (string, bool) {
	if o, ok := q.Option(s); ok {
		return o.ID, true
	}
	if o, ok := q.OptionByLabel(s); ok {
		return o.ID, true
	}
	return "", false
}
