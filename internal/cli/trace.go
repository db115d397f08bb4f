package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string // empty selects the latest run
	Hook     string // optional - filter to one invocation, "name/client/seq"
	List     bool
}

// TraceEvent is one line of the trace timeline.
type TraceEvent struct {
	Seq        int64         `json:"seq"`
	Kind       string        `json:"kind"`
	Session    hook.ClientID `json:"session"`
	Invocation string        `json:"invocation,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// TraceOutstanding lists what the run left unfinished.
type TraceOutstanding struct {
	Connected []hook.ClientID `json:"connected"`
	OpenWaits []string        `json:"open_waits"`
	Latched   []string        `json:"latched"`
}

// TraceStats holds summary statistics for the run.
type TraceStats struct {
	TotalEvents int  `json:"total_events"`
	Sessions    int  `json:"sessions"`
	Dos         int  `json:"dos"`
	Waits       int  `json:"waits"`
	Releases    int  `json:"releases"`
	Latches     int  `json:"latches"`
	Abandons    int  `json:"abandons"`
	IsComplete  bool `json:"is_complete"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	RunID       string           `json:"run_id"`
	Schedule    string           `json:"schedule,omitempty"`
	Filter      string           `json:"filter,omitempty"`
	Timeline    []TraceEvent     `json:"timeline"`
	Outstanding TraceOutstanding `json:"outstanding"`
	Stats       TraceStats       `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the recorded order of a run",
		Long: `Show the events a coordinator journaled for one run.

The timeline lists connects, dos, waits, releases, notifies, latches,
abandons and disconnects in the order the coordinator decided them.
Outstanding lists sessions that never left, waits never released and
notifies no wait consumed.

Examples:
  ordserv trace --db ./runs.db
  ordserv trace --db ./runs.db --list
  ordserv trace --db ./runs.db --run 0190f5c2-... --hook B0/1/0
  ordserv trace --db ./runs.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run to trace (default: latest)")
	cmd.Flags().StringVar(&opts.Hook, "hook", "", "filter to one invocation (name/client/seq)")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list recorded runs instead")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var filter *hook.Invocation
	if opts.Hook != "" {
		inv, err := hook.ParseInvocation(opts.Hook)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --hook", err)
		}
		filter = &inv
	}

	// Tracing never creates a journal.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.List {
		return runTraceList(ctx, opts, st, cmd.OutOrStdout())
	}

	var run store.Run
	if opts.RunID == "" {
		run, err = st.LatestRun(ctx)
		if errors.Is(err, store.ErrNoRuns) {
			if opts.Format == "json" {
				return outputTraceJSON(cmd.OutOrStdout(), TraceResult{Timeline: []TraceEvent{}, Outstanding: emptyOutstanding()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
			return nil
		}
	} else {
		run, err = st.ReadRun(ctx, opts.RunID)
		if errors.Is(err, sql.ErrNoRows) {
			return NewExitError(ExitCommandError, fmt.Sprintf("no such run: %s", opts.RunID))
		}
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	state, err := st.GetRunState(ctx, run.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	events := state.Events
	if filter != nil {
		events, err = st.ReadInvocationEvents(ctx, run.ID, *filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read events", err)
		}
	}

	result := buildTraceResult(run, state, events)
	if filter != nil {
		result.Filter = filter.String()
	}

	if opts.Format == "json" {
		return outputTraceJSON(cmd.OutOrStdout(), result)
	}
	return outputTraceText(cmd.OutOrStdout(), result)
}

// buildTraceResult renders the timeline from events and the summary from
// the whole run's state, so a filtered trace still shows the run's status.
func buildTraceResult(run store.Run, state store.RunState, events []hook.Event) TraceResult {
	result := TraceResult{
		RunID:       run.ID,
		Schedule:    run.Schedule,
		Timeline:    make([]TraceEvent, 0, len(events)),
		Outstanding: emptyOutstanding(),
	}

	for _, ev := range events {
		te := TraceEvent{
			Seq:     ev.Seq,
			Kind:    string(ev.Kind),
			Session: ev.Session,
			Detail:  ev.Detail,
		}
		if ev.HasInvocation() {
			te.Invocation = ev.Invocation.String()
		}
		result.Timeline = append(result.Timeline, te)
	}

	stats := TraceStats{TotalEvents: len(state.Events), IsComplete: state.IsComplete}
	for _, ev := range state.Events {
		switch ev.Kind {
		case hook.EventConnect:
			stats.Sessions++
		case hook.EventDo:
			stats.Dos++
		case hook.EventWait:
			stats.Waits++
		case hook.EventRelease:
			stats.Releases++
		case hook.EventLatch:
			stats.Latches++
		case hook.EventAbandon:
			stats.Abandons++
		}
	}
	result.Stats = stats

	result.Outstanding.Connected = append(result.Outstanding.Connected, state.Connected...)
	for _, inv := range state.OpenWaits {
		result.Outstanding.OpenWaits = append(result.Outstanding.OpenWaits, inv.String())
	}
	for _, inv := range state.Latched {
		result.Outstanding.Latched = append(result.Outstanding.Latched, inv.String())
	}
	return result
}

func emptyOutstanding() TraceOutstanding {
	return TraceOutstanding{
		Connected: []hook.ClientID{},
		OpenWaits: []string{},
		Latched:   []string{},
	}
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(w io.Writer, result TraceResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult) error {
	fmt.Fprintf(w, "Trace for Run: %s\n", result.RunID)
	if result.Schedule != "" {
		fmt.Fprintf(w, "Schedule: %s\n", result.Schedule)
	}
	if result.Filter != "" {
		fmt.Fprintf(w, "Filter: %s\n", result.Filter)
	}
	fmt.Fprintf(w, "Status: %s\n", completeStatus(result.Stats.IsComplete))
	fmt.Fprintln(w)

	// Timeline section
	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	} else {
		for _, event := range result.Timeline {
			formatTimelineEvent(w, event)
		}
	}
	fmt.Fprintln(w)

	// Outstanding section
	fmt.Fprintln(w, "=== Outstanding ===")
	out := result.Outstanding
	if len(out.Connected) == 0 && len(out.OpenWaits) == 0 && len(out.Latched) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	if len(out.Connected) > 0 {
		ids := make([]string, len(out.Connected))
		for i, id := range out.Connected {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(w, "  Connected:  %s\n", strings.Join(ids, ", "))
	}
	if len(out.OpenWaits) > 0 {
		fmt.Fprintf(w, "  Open waits: %s\n", strings.Join(out.OpenWaits, ", "))
	}
	if len(out.Latched) > 0 {
		fmt.Fprintf(w, "  Latched:    %s\n", strings.Join(out.Latched, ", "))
	}
	fmt.Fprintln(w)

	// Stats section
	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Sessions:     %d\n", result.Stats.Sessions)
	fmt.Fprintf(w, "  Dos:          %d\n", result.Stats.Dos)
	fmt.Fprintf(w, "  Waits:        %d\n", result.Stats.Waits)
	fmt.Fprintf(w, "  Releases:     %d\n", result.Stats.Releases)
	fmt.Fprintf(w, "  Latches:      %d\n", result.Stats.Latches)
	fmt.Fprintf(w, "  Abandons:     %d\n", result.Stats.Abandons)

	return nil
}

// formatTimelineEvent formats a single timeline event for text output.
func formatTimelineEvent(w io.Writer, event TraceEvent) {
	line := fmt.Sprintf("  [%d] %-10s session=%d", event.Seq, event.Kind, event.Session)
	if event.Invocation != "" {
		line += " " + event.Invocation
	}
	if event.Detail != "" {
		line += " (" + event.Detail + ")"
	}
	fmt.Fprintln(w, line)
}

// completeStatus returns a human-readable completion status.
func completeStatus(isComplete bool) string {
	if isComplete {
		return "Complete"
	}
	return "Incomplete (outstanding sessions or waits)"
}

// runTraceList prints every recorded run, oldest first.
func runTraceList(ctx context.Context, opts *TraceOptions, st *store.Store, w io.Writer) error {
	runs, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	if opts.Format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(CLIResponse{Status: "ok", Data: runs})
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}
	for _, r := range runs {
		schedule := r.Schedule
		if schedule == "" {
			schedule = "-"
		}
		fmt.Fprintf(w, "%s  schedule=%s  first_seq=%d  events=%d\n", r.ID, schedule, r.FirstSeq, r.Events)
	}
	return nil
}
