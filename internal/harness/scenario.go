package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/wire"
)

// Scenario is a scripted run of tracepoint clients against one coordinator.
type Scenario struct {
	// Name uniquely identifies this scenario. It prefixes the run ids and
	// names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schedule is an optional schedule file enforced on Do.
	// Relative paths are resolved against the scenario file's directory.
	Schedule string `yaml:"schedule,omitempty"`

	// ExclusiveIDs rejects a connect whose id is already active instead of
	// replacing the older session.
	ExclusiveIDs bool `yaml:"exclusive_ids,omitempty"`

	// Clients are connected, in order, before the first step.
	Clients []hook.ClientID `yaml:"clients,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step operations.
const (
	OpConnect    = "connect"
	OpDo         = "do"
	OpWait       = "wait"
	OpNotify     = "notify"
	OpDisconnect = "disconnect"
	OpAwait      = "await"
	OpReset      = "reset"
)

// Step is one operation performed on behalf of a client.
// Exactly one of the operation fields is set.
type Step struct {
	// Client is the acting client. Unused by reset.
	Client hook.ClientID `yaml:"client"`

	Connect    bool             `yaml:"connect,omitempty"`
	Do         *hook.Invocation `yaml:"do,omitempty"`
	Wait       *hook.Invocation `yaml:"wait,omitempty"`
	Notify     *hook.Invocation `yaml:"notify,omitempty"`
	Disconnect bool             `yaml:"disconnect,omitempty"`
	Await      bool             `yaml:"await,omitempty"`
	Reset      bool             `yaml:"reset,omitempty"`

	// Async runs a do or wait in the background. The client's next await
	// step collects its outcome.
	Async bool `yaml:"async,omitempty"`

	// Expect is the error kind the step must fail with. Empty means the
	// step must succeed.
	Expect wire.ErrorKind `yaml:"expect,omitempty"`

	// Timeout bounds a blocking step. Zero means DefaultStepTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Op returns the step's operation, or "" if none or several are set.
func (s Step) Op() string {
	var ops []string
	if s.Connect {
		ops = append(ops, OpConnect)
	}
	if s.Do != nil {
		ops = append(ops, OpDo)
	}
	if s.Wait != nil {
		ops = append(ops, OpWait)
	}
	if s.Notify != nil {
		ops = append(ops, OpNotify)
	}
	if s.Disconnect {
		ops = append(ops, OpDisconnect)
	}
	if s.Await {
		ops = append(ops, OpAwait)
	}
	if s.Reset {
		ops = append(ops, OpReset)
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// Invocation returns the invocation of a do, wait or notify step.
func (s Step) Invocation() (hook.Invocation, bool) {
	switch {
	case s.Do != nil:
		return *s.Do, true
	case s.Wait != nil:
		return *s.Wait, true
	case s.Notify != nil:
		return *s.Notify, true
	}
	return hook.Invocation{}, false
}

// String describes the step for failure messages.
func (s Step) String() string {
	op := s.Op()
	if inv, ok := s.Invocation(); ok {
		return fmt.Sprintf("client %d %s %s", s.Client, op, inv)
	}
	if op == OpReset {
		return op
	}
	return fmt.Sprintf("client %d %s", s.Client, op)
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event matching event/invocation/session/detail exists
	// - "trace_order": the events entries appear in order
	// - "trace_count": exactly count events match event/invocation
	// - "final_state": the invocation ends in state
	// - "connected": exactly the listed sessions are connected at the end
	Type string `yaml:"type"`

	// Event is the event kind (trace_contains, trace_count).
	Event hook.EventKind `yaml:"event,omitempty"`

	// Invocation narrows trace_contains and trace_count, and is the subject
	// of final_state.
	Invocation *hook.Invocation `yaml:"invocation,omitempty"`

	// Session narrows trace_contains to one client.
	Session *hook.ClientID `yaml:"session,omitempty"`

	// Detail narrows trace_contains to one detail value.
	Detail string `yaml:"detail,omitempty"`

	// Events is the expected order for trace_order. Each entry is an event
	// kind optionally followed by an invocation: "release B/1/0".
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// State is the expected final state (final_state): Unseen,
	// WaitPending, NotifyLatched or Satisfied.
	State string `yaml:"state,omitempty"`

	// Sessions are the expected connected clients (connected).
	Sessions []hook.ClientID `yaml:"sessions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertConnected     = "connected"
)

var eventKinds = map[hook.EventKind]bool{
	hook.EventConnect:    true,
	hook.EventDo:         true,
	hook.EventWait:       true,
	hook.EventRelease:    true,
	hook.EventNotify:     true,
	hook.EventLatch:      true,
	hook.EventDisconnect: true,
	hook.EventAbandon:    true,
}

var errorKinds = map[wire.ErrorKind]bool{
	wire.KindDuplicateClientID:  true,
	wire.KindProtocol:           true,
	wire.KindClientDisconnected: true,
	wire.KindLinkClosed:         true,
	wire.KindTimeout:            true,
	wire.KindStaleRun:           true,
}

var invocationStates = map[string]bool{
	hook.StateUnseen.String():        true,
	hook.StateWaitPending.String():   true,
	hook.StateNotifyLatched.String(): true,
	hook.StateSatisfied.String():     true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve the schedule path BEFORE validation
	if scenario.Schedule != "" && !filepath.IsAbs(scenario.Schedule) {
		scenario.Schedule = filepath.Join(filepath.Dir(path), scenario.Schedule)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Schedule != "" {
		if _, err := os.Stat(s.Schedule); os.IsNotExist(err) {
			return fmt.Errorf("schedule file not found: %s", s.Schedule)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, s Step) error {
	op := s.Op()
	if op == "" {
		return fmt.Errorf("steps[%d]: exactly one of connect, do, wait, notify, disconnect, await, reset is required", index)
	}
	if s.Async {
		if op != OpDo && op != OpWait {
			return fmt.Errorf("steps[%d]: async applies to do and wait only", index)
		}
		if s.Expect != "" {
			return fmt.Errorf("steps[%d]: expect belongs on the await step of an async %s", index, op)
		}
	}
	if s.Expect != "" && !errorKinds[s.Expect] {
		return fmt.Errorf("steps[%d]: unknown error kind %q", index, s.Expect)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("steps[%d]: timeout must be non-negative", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for %s", index, a.Type)
		}
		if !eventKinds[a.Event] {
			return fmt.Errorf("assertions[%d]: unknown event kind %q", index, a.Event)
		}
		if a.Type == AssertTraceCount && a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
		for _, entry := range a.Events {
			if _, err := parseOrderEntry(entry); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertFinalState:
		if a.Invocation == nil {
			return fmt.Errorf("assertions[%d]: invocation is required for final_state", index)
		}
		if !invocationStates[a.State] {
			return fmt.Errorf("assertions[%d]: unknown state %q for final_state", index, a.State)
		}
	case AssertConnected:
		// An empty list asserts that every client has left.
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// orderEntry is one parsed trace_order entry.
type orderEntry struct {
	kind hook.EventKind
	inv  *hook.Invocation
}

func parseOrderEntry(s string) (orderEntry, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return orderEntry{}, fmt.Errorf("trace_order entry %q: want \"kind\" or \"kind name/client/seq\"", s)
	}
	e := orderEntry{kind: hook.EventKind(fields[0])}
	if !eventKinds[e.kind] {
		return orderEntry{}, fmt.Errorf("trace_order entry %q: unknown event kind %q", s, fields[0])
	}
	if len(fields) == 2 {
		inv, err := hook.ParseInvocation(fields[1])
		if err != nil {
			return orderEntry{}, fmt.Errorf("trace_order entry %q: %w", s, err)
		}
		e.inv = &inv
	}
	return e, nil
}

func (e orderEntry) matches(ev TraceEvent) bool {
	if ev.Kind != e.kind {
		return false
	}
	return e.inv == nil || ev.Invocation == e.inv.String()
}

func (e orderEntry) String() string {
	if e.inv == nil {
		return string(e.kind)
	}
	return fmt.Sprintf("%s %s", e.kind, e.inv)
}
