package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s session=%d", ev.Seq, ev.Kind, ev.Session)
		if ev.Invocation != "" {
			fmt.Fprintf(&buf, " %s", ev.Invocation)
		}
		if ev.Detail != "" {
			fmt.Fprintf(&buf, " (%s)", ev.Detail)
		}
		buf.WriteByte('\n')
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages, in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertFinalState:
		return assertFinalState(result, a)
	case AssertConnected:
		return assertConnected(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// matchEvent reports whether ev satisfies the assertion's event filters.
func matchEvent(ev TraceEvent, a Assertion) bool {
	if ev.Kind != a.Event {
		return false
	}
	if a.Invocation != nil && ev.Invocation != a.Invocation.String() {
		return false
	}
	if a.Session != nil && ev.Session != *a.Session {
		return false
	}
	if a.Detail != "" && ev.Detail != a.Detail {
		return false
	}
	return true
}

func describeFilter(a Assertion) string {
	parts := []string{string(a.Event)}
	if a.Invocation != nil {
		parts = append(parts, a.Invocation.String())
	}
	if a.Session != nil {
		parts = append(parts, fmt.Sprintf("session=%d", *a.Session))
	}
	if a.Detail != "" {
		parts = append(parts, fmt.Sprintf("(%s)", a.Detail))
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks that at least one event matches.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matchEvent(ev, a) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event %s", describeFilter(a)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the entries match events in order.
// Events don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, raw := range a.Events {
		entry, err := parseOrderEntry(raw)
		if err != nil {
			return err
		}

		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if entry.matches(ev) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %s", strings.Join(a.Events, ", ")),
				Actual:   fmt.Sprintf("%q not found after the preceding entries", entry.String()),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if matchEvent(ev, a) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}

	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d event(s) %s", a.Count, describeFilter(a)),
		Actual:   fmt.Sprintf("%d event(s)", n),
		Trace:    trace,
	}
}

// assertFinalState checks the state the coordinator reported at the end.
func assertFinalState(result *Result, a Assertion) error {
	if a.Invocation == nil {
		return fmt.Errorf("final_state requires an invocation")
	}
	key := a.Invocation.String()
	got, ok := result.States[key]
	if !ok {
		got = "(not captured)"
	}
	if got == a.State {
		return nil
	}

	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("%s in state %s", key, a.State),
		Actual:   got,
		Trace:    result.Trace,
	}
}

// assertConnected checks the set of clients connected at the end.
func assertConnected(result *Result, a Assertion) error {
	want := slices.Clone(a.Sessions)
	slices.Sort(want)
	if slices.Equal(want, result.Sessions) {
		return nil
	}

	return &AssertionError{
		Type:     AssertConnected,
		Expected: fmt.Sprintf("sessions %v", want),
		Actual:   fmt.Sprintf("sessions %v", result.Sessions),
		Trace:    result.Trace,
	}
}
