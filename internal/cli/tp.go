package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/ordserv/internal/client"
	"github.com/roach88/ordserv/internal/config"
	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/wire"
)

// TracepointOptions holds flags for the tp command.
type TracepointOptions struct {
	*RootOptions
	Addr    string
	ID      int32
	Timeout int // milliseconds
	RunID   string
}

// TracepointStep is one operation of a tp invocation.
type TracepointStep struct {
	Op         wire.Kind `json:"op"`
	Invocation string    `json:"invocation"`
	Error      string    `json:"error,omitempty"`

	inv hook.Invocation
}

// TracepointReport is the tp command's result.
type TracepointReport struct {
	ClientID hook.ClientID    `json:"client_id"`
	RunID    string           `json:"run_id"`
	Steps    []TracepointStep `json:"steps"`
}

// NewTracepointCommand creates the tp command.
func NewTracepointCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TracepointOptions{RootOptions: rootOpts}
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "tp <do|wait|notify> <name/client/seq> [<op> <name/client/seq>...]",
		Short: "Pass tracepoints from a shell script",
		Long: `Connect to the coordinator, pass the given tracepoints in order as one
session, then disconnect.

Each tracepoint is an operation followed by an invocation in name/client/seq
form. A notify that no wait has consumed yet is discarded when tp
disconnects, so pair notifies with waits that are already blocked or pass
them in the same tp call.

Without --addr the coordinator address comes from ORDSERV_ADDR or
ORDSERV_PORT, falling back to tcp://127.0.0.1:15045.

Examples:
  ordserv tp do A0/0/0
  ordserv tp --id 1 wait B0/1/0 notify B0/1/1
  ordserv tp --timeout 5000 --format json wait C0/2/0`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTracepoint(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "coordinator address")
	cmd.Flags().Int32Var(&opts.ID, "id", defaults.Client.ID, "client id to request (negative: assigned)")
	cmd.Flags().IntVar(&opts.Timeout, "timeout", 0, "fail a blocked tracepoint after this many milliseconds (0: never)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "refuse to join any run but this one")

	return cmd
}

func runTracepoint(opts *TracepointOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	steps, err := parseSteps(args)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid tracepoints", err)
	}

	cfg, err := opts.loadConfig(cmd, map[string]string{
		"client.addr":         "addr",
		"client.id":           "id",
		"client.wait_timeout": "timeout",
		"client.run_id":       "run-id",
	})
	if err != nil {
		return err
	}

	addr := cfg.Client.Address()
	if addr == "" {
		addr = "tcp://127.0.0.1:" + strconv.Itoa(config.DefaultPort)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	formatter.VerboseLog("Connecting to %s", addr)
	link, worker, err := client.Start(ctx, addr, hook.ClientID(cfg.Client.ID),
		client.WithWaitTimeout(cfg.Client.WaitTimeout()),
		client.WithRunID(cfg.Client.RunID),
	)
	if err != nil {
		_ = formatter.Error(ErrCodeConnect, fmt.Sprintf("cannot join coordinator at %s", addr), err)
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	formatter.VerboseLog("Joined run %s as client %d", link.RunID(), link.ID())

	report := TracepointReport{ClientID: link.ID(), RunID: link.RunID(), Steps: steps}
	var failed error
	for i := range report.Steps {
		step := &report.Steps[i]
		formatter.VerboseLog("%s %s", step.Op, step.Invocation)
		if err := callStep(link, step); err != nil {
			step.Error = err.Error()
			report.Steps = report.Steps[:i+1]
			failed = err
			break
		}
	}

	if err := link.Finish(); err != nil {
		formatter.VerboseLog("Disconnect: %v", err)
	}
	_ = worker.Wait()

	if failed != nil {
		last := report.Steps[len(report.Steps)-1]
		_ = formatter.Error(ErrCodeTracepoint, fmt.Sprintf("%s %s failed", last.Op, last.Invocation), failed)
		return WrapExitError(ExitFailure, "tracepoint failed", failed)
	}

	if formatter.Format == "json" {
		return formatter.Success(report)
	}
	for _, step := range report.Steps {
		fmt.Fprintf(formatter.Writer, "✓ %s %s\n", step.Op, step.Invocation)
	}
	return nil
}

// parseSteps reads op/invocation pairs.
func parseSteps(args []string) ([]TracepointStep, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("want op/invocation pairs, got %d argument(s)", len(args))
	}
	steps := make([]TracepointStep, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		op := wire.Kind(args[i])
		switch op {
		case wire.KindDo, wire.KindWait, wire.KindNotify:
		default:
			return nil, fmt.Errorf("unknown operation %q (want do, wait or notify)", args[i])
		}
		inv, err := hook.ParseInvocation(args[i+1])
		if err != nil {
			return nil, err
		}
		steps = append(steps, TracepointStep{Op: op, Invocation: inv.String(), inv: inv})
	}
	return steps, nil
}

func callStep(link *client.Link, step *TracepointStep) error {
	switch step.Op {
	case wire.KindDo:
		return link.Do(step.inv)
	case wire.KindWait:
		return link.Wait(step.inv)
	default:
		return link.Notify(step.inv)
	}
}
