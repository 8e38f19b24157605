package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roritopra/sgirs/internal/indicator"
	"github.com/roritopra/sgirs/internal/model"
	"github.com/roritopra/sgirs/internal/survey"
)

// checkInput is the answers file read by the check command.
type checkInput struct {
	Period      string                `json:"period"`
	Answers     model.AnswerMap       `json:"answers"`
	Attachments model.AttachmentMap   `json:"attachments"`
	Indicators  []string              `json:"indicators"`
	State       *model.IndicatorState `json:"indicator_state"`
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <answers.json>",
		Short: "Report step completeness of an answers file without a database",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	}
	f := cmd.Flags()
	f.String("survey", "", "Survey definition YAML (empty = built-in survey)")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	var (
		def *survey.Definition
		err error
	)
	if path := v.GetString("survey"); path != "" {
		def, err = survey.LoadFile(path)
	} else {
		def, err = survey.Default()
	}
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read answers: %w", err)
	}
	var in checkInput
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse answers: %w", err)
	}

	incomplete, err := check(cmd.OutOrStdout(), def, in)
	if err != nil {
		return err
	}
	if len(incomplete) > 0 {
		cmd.SilenceUsage = true
		return fmt.Errorf("%d of %d steps incomplete: %v", len(incomplete), def.StepCount(), incomplete)
	}
	return nil
}

// check prints every step with its visible questions and returns the
// incomplete step numbers.
func check(w io.Writer, def *survey.Definition, in checkInput) ([]int, error) {
	period, err := model.ParsePeriod(in.Period)
	if err != nil {
		return nil, err
	}

	answers := make(model.AnswerMap, len(in.Answers))
	for id, raw := range in.Answers {
		q, ok := def.Question(id)
		if !ok {
			return nil, fmt.Errorf("unknown question %s: %w", id, model.ErrNotFound)
		}
		v, err := def.Coerce(q, raw)
		if err != nil {
			return nil, err
		}
		if !v.IsNull() {
			answers[id] = v
		}
	}

	view := model.IndicatorView{State: in.State, Half: period.Half}
	for _, name := range in.Indicators {
		slot, ok := def.Slot(name)
		if !ok {
			return nil, fmt.Errorf("unknown indicator %q: %w", name, model.ErrNotFound)
		}
		view.Active = append(view.Active, model.ActiveIndicator{Slot: slot})
	}
	if view.State == nil && len(view.Active) == 0 {
		view.State = model.NewIndicatorState()
	}

	fmt.Fprintf(w, "%s %s\n", def.Name, period.ID)
	var incomplete []int
	for _, st := range def.Steps {
		mark := "ok"
		if !def.StepComplete(st.Number, answers, in.Attachments, view) {
			mark = "INCOMPLETE"
			incomplete = append(incomplete, st.Number)
		}
		fmt.Fprintf(w, "%2d. %-28s %s\n", st.Number, st.Title, mark)

		if st.Indicators {
			for _, res := range indicator.ComputeAll(view.Active, view.State, period.Half) {
				fmt.Fprintf(w, "      %s: %s\n", res.Name, describeResult(res))
			}
			continue
		}
		for _, q := range def.VisibleInStep(st.Number, answers) {
			line := fmt.Sprintf("      %s %s", q.ID, answers.Get(q.ID))
			if att, ok := in.Attachments[q.ID]; ok && att.Present() {
				line += fmt.Sprintf(" [%s, %s]", att.Name, humanize.Bytes(uint64(att.Size)))
			}
			fmt.Fprintln(w, line)
		}
	}
	return incomplete, nil
}

func describeResult(res indicator.Result) string {
	var b strings.Builder
	switch res.Mode {
	case indicator.ModePercentage:
		fmt.Fprintf(&b, "%.2f%%", res.Percentage)
	case indicator.ModeVolume:
		b.WriteString(humanize.FormatFloat("#,###.##", res.Total))
	case indicator.ModeChecklist:
		if res.Pending {
			b.WriteString("pending")
		} else {
			fmt.Fprintf(&b, "%.2f%%", res.Percentage)
		}
	}
	for _, wn := range res.Warnings {
		fmt.Fprintf(&b, " (month %d: %g > %g)", wn.Month, wn.Value, wn.Limit)
	}
	return b.String()
}
