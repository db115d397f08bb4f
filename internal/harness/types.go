package harness

import (
	"github.com/roach88/ordserv/internal/hook"
)

// TraceEvent is one coordinator event, flattened for assertions and golden
// comparison.
type TraceEvent struct {
	Seq        int64          `json:"seq"`
	RunID      string         `json:"run_id"`
	Kind       hook.EventKind `json:"kind"`
	Session    hook.ClientID  `json:"session"`
	Invocation string         `json:"invocation,omitempty"`
	Detail     string         `json:"detail,omitempty"`
}

func traceEventFrom(ev hook.Event) TraceEvent {
	te := TraceEvent{
		Seq:     ev.Seq,
		RunID:   ev.RunID,
		Kind:    ev.Kind,
		Session: ev.Session,
		Detail:  ev.Detail,
	}
	if ev.HasInvocation() {
		te.Invocation = ev.Invocation.String()
	}
	return te
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step had its expected outcome and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace holds every coordinator event, across runs, in clock order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// States maps each invocation the scenario names to its final state.
	States map[string]string `json:"states,omitempty"`

	// Sessions lists the clients still connected at the end, sorted by id.
	Sessions []hook.ClientID `json:"sessions"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		States:   make(map[string]string),
		Sessions: []hook.ClientID{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev to the trace.
func (r *Result) AddTrace(ev hook.Event) {
	r.Trace = append(r.Trace, traceEventFrom(ev))
}
