package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/roach88/ordserv/internal/schedule"
)

// ScheduleValidationResult holds schedule validation results.
type ScheduleValidationResult struct {
	Valid       bool             `json:"valid"`
	Name        string           `json:"name,omitempty"`
	Rules       int              `json:"rules"`
	Invocations []string         `json:"invocations,omitempty"`
	Cycles      []schedule.Cycle `json:"cycles,omitempty"`
}

// NewScheduleCommand creates the schedule command group.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Work with ordering schedules",
	}
	cmd.AddCommand(newScheduleValidateCommand(rootOpts))
	return cmd
}

func newScheduleValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <schedule.yaml>",
		Short: "Check a schedule before serving it",
		Long: `Parse an ordering schedule and check it for cycles.

A cyclic schedule makes every Do on the cycle wait forever, so serve
refuses to load one. This command reports every cycle, not just the first.

Examples:
  ordserv schedule validate ./words.yaml
  ordserv schedule validate ./words.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleValidate(rootOpts, args[0], cmd)
		},
	}
}

func runScheduleValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	formatter.VerboseLog("Loading schedule %s", path)
	sched, err := schedule.Load(path)

	var cycleErr *schedule.CycleError
	switch {
	case errors.As(err, &cycleErr):
		return outputScheduleCycles(formatter, cycleErr.Cycles)
	case errors.Is(err, fs.ErrNotExist):
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("schedule not found: %s", path), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: schedule not found: %s", ErrCodeNotFound, path))
	case err != nil:
		_ = formatter.Error(ErrCodeParse, err.Error(), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %v", ErrCodeParse, err))
	}

	invs := sched.Invocations()
	result := ScheduleValidationResult{
		Valid:       true,
		Name:        sched.Name,
		Rules:       len(sched.Rules),
		Invocations: make([]string, len(invs)),
	}
	for i, inv := range invs {
		result.Invocations[i] = inv.String()
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Schedule %q valid: %d rule(s), %d invocation(s)\n",
		result.Name, result.Rules, len(result.Invocations))
	if opts.Verbose {
		for _, rule := range sched.Rules {
			fmt.Fprintf(formatter.Writer, "  %s →", rule.After)
			for _, target := range rule.Release {
				fmt.Fprintf(formatter.Writer, " %s", target)
			}
			fmt.Fprintln(formatter.Writer)
		}
	}
	return nil
}

// outputScheduleCycles reports every cycle. Cycles are validation failures
// (exit code 1), not command errors.
func outputScheduleCycles(formatter *OutputFormatter, cycles []schedule.Cycle) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ScheduleValidationResult{Valid: false, Cycles: cycles},
			Error: &CLIError{
				Code:    ErrCodeCycle,
				Message: cycles[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("schedule has %d cycle(s)", len(cycles)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Schedule invalid")
	fmt.Fprintln(formatter.Writer)
	for _, c := range cycles {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", ErrCodeCycle, c.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("schedule has %d cycle(s)", len(cycles)))
}
