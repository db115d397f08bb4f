package harness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/ordserv/internal/coordinator"
	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/schedule"
	"github.com/roach88/ordserv/internal/testutil"
	"github.com/roach88/ordserv/internal/wire"
)

// DefaultStepTimeout bounds a blocking step and the settling of an async
// step when the step sets no timeout of its own.
var DefaultStepTimeout = 2 * time.Second

// settleInterval is how often an async step is polled until the
// coordinator has registered it.
const settleInterval = time.Millisecond

// Harness is the scenario execution engine.
// It drives one coordinator on behalf of the scenario's clients.
type Harness struct {
	coord    *coordinator.Coordinator
	log      *testutil.EventLog
	schedule *schedule.Schedule
	ctx      context.Context

	// sessions keeps the latest session of each client, including evicted
	// ones, so steps after a disconnect observe ClientDisconnected.
	sessions map[hook.ClientID]*coordinator.Session
	inflight map[hook.ClientID]*inflight
	named    map[hook.Invocation]struct{}
}

// inflight is an async do or wait.
type inflight struct {
	step     int
	op       string
	inv      hook.Invocation
	done     chan error
	err      error
	finished bool
}

// poll records the outcome if the operation has returned.
func (f *inflight) poll() bool {
	if f.finished {
		return true
	}
	select {
	case err := <-f.done:
		f.err, f.finished = err, true
	default:
	}
	return f.finished
}

// wait blocks up to timeout for the operation to return.
func (f *inflight) wait(timeout time.Duration) bool {
	if f.poll() {
		return true
	}
	select {
	case err := <-f.done:
		f.err, f.finished = err, true
	case <-time.After(timeout):
	}
	return f.finished
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh coordinator. Step and assertion failures are
// reported in the result; an error is returned only when the scenario
// itself cannot be executed (unknown client, unreadable schedule).
func Run(scenario *Scenario) (*Result, error) {
	var sched *schedule.Schedule
	if scenario.Schedule != "" {
		s, err := schedule.Load(scenario.Schedule)
		if err != nil {
			return nil, fmt.Errorf("failed to load schedule: %w", err)
		}
		sched = s
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := testutil.NewEventLog()
	h := &Harness{
		coord: coordinator.New(
			coordinator.WithSchedule(sched),
			coordinator.WithExclusiveIDs(scenario.ExclusiveIDs),
			coordinator.WithObserver(log),
			coordinator.WithRunIDGenerator(testutil.NewSequentialRunIDs(scenario.Name)),
		),
		log:      log,
		schedule: sched,
		ctx:      ctx,
		sessions: make(map[hook.ClientID]*coordinator.Session),
		inflight: make(map[hook.ClientID]*inflight),
		named:    make(map[hook.Invocation]struct{}),
	}
	// Leftover async steps are cancelled and drained before returning.
	defer h.drain(cancel)

	result := NewResult()

	for _, id := range scenario.Clients {
		if _, err := h.connect(id); err != nil {
			return nil, fmt.Errorf("failed to connect client %d: %w", id, err)
		}
	}

	for i, step := range scenario.Steps {
		if err := h.executeStep(i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step, err)
		}
	}

	for _, a := range scenario.Assertions {
		if a.Invocation != nil {
			h.named[*a.Invocation] = struct{}{}
		}
	}
	h.snapshot(result)

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}

	return result, nil
}

// executeStep performs one step and checks its outcome.
// Returns an error only for a step the harness cannot perform.
func (h *Harness) executeStep(index int, step Step, result *Result) error {
	if inv, ok := step.Invocation(); ok {
		h.named[inv] = struct{}{}
	}

	switch step.Op() {
	case OpConnect:
		_, err := h.connect(step.Client)
		h.checkOutcome(index, step, err, result)

	case OpDo, OpWait:
		sess, err := h.session(step.Client)
		if err != nil {
			return err
		}
		if step.Async {
			return h.start(index, step, sess, result)
		}
		ctx, cancel := context.WithTimeout(h.ctx, h.timeout(step))
		defer cancel()
		h.checkOutcome(index, step, h.call(ctx, step, sess), result)

	case OpNotify:
		sess, err := h.session(step.Client)
		if err != nil {
			return err
		}
		h.checkOutcome(index, step, h.coord.Notify(sess, *step.Notify), result)

	case OpDisconnect:
		var err error
		if !h.coord.Disconnect(step.Client) {
			err = wire.Errorf(wire.KindClientDisconnected, "client %d is not connected", step.Client)
		}
		h.checkOutcome(index, step, err, result)

	case OpAwait:
		f, ok := h.inflight[step.Client]
		if !ok {
			return fmt.Errorf("client %d has no async step to await", step.Client)
		}
		delete(h.inflight, step.Client)
		if !f.wait(h.timeout(step)) {
			result.AddError(fmt.Sprintf("step %d (%s): %s %s from step %d did not return within %s",
				index, step, f.op, f.inv, f.step, h.timeout(step)))
			// Keep it drained on exit.
			h.inflight[step.Client] = f
			return nil
		}
		h.checkOutcome(index, step, f.err, result)

	case OpReset:
		h.coord.Reset(h.schedule)

	default:
		return fmt.Errorf("no operation")
	}
	return nil
}

// start launches an async step and waits until the coordinator has either
// registered it as pending or let it return.
func (h *Harness) start(index int, step Step, sess *coordinator.Session, result *Result) error {
	if _, busy := h.inflight[step.Client]; busy {
		return fmt.Errorf("client %d already has an async step in flight", step.Client)
	}

	inv, _ := step.Invocation()
	f := &inflight{step: index, op: step.Op(), inv: inv, done: make(chan error, 1)}
	h.inflight[step.Client] = f
	go func() { f.done <- h.call(h.ctx, step, sess) }()

	deadline := time.Now().Add(h.timeout(step))
	for !f.poll() && !h.pending(sess.ID(), f.op, inv) {
		if time.Now().After(deadline) {
			result.AddError(fmt.Sprintf("step %d (%s): not registered within %s", index, step, h.timeout(step)))
			return nil
		}
		time.Sleep(settleInterval)
	}
	return nil
}

func (h *Harness) call(ctx context.Context, step Step, sess *coordinator.Session) error {
	if step.Do != nil {
		return h.coord.Do(ctx, sess, *step.Do)
	}
	return h.coord.Wait(ctx, sess, *step.Wait)
}

// pending reports whether client has op on inv registered with the coordinator.
func (h *Harness) pending(client hook.ClientID, op string, inv hook.Invocation) bool {
	for _, info := range h.coord.Sessions() {
		if info.ID != client {
			continue
		}
		return info.Pending != nil && string(info.PendingKind) == op && *info.Pending == inv
	}
	return false
}

func (h *Harness) connect(id hook.ClientID) (*coordinator.Session, error) {
	sess, err := h.coord.Connect(id, "")
	if err != nil {
		return nil, err
	}
	h.sessions[sess.ID()] = sess
	return sess, nil
}

func (h *Harness) session(id hook.ClientID) (*coordinator.Session, error) {
	sess, ok := h.sessions[id]
	if !ok {
		return nil, fmt.Errorf("client %d never connected", id)
	}
	return sess, nil
}

func (h *Harness) timeout(step Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return DefaultStepTimeout
}

// checkOutcome compares err against the step's expected error kind.
func (h *Harness) checkOutcome(index int, step Step, err error, result *Result) {
	var got wire.ErrorKind
	if err != nil {
		got = wire.KindOf(err)
	}
	if got == step.Expect {
		return
	}
	switch {
	case err == nil:
		result.AddError(fmt.Sprintf("step %d (%s): expected %s, got success", index, step, step.Expect))
	case step.Expect == "":
		result.AddError(fmt.Sprintf("step %d (%s): expected success, got %v", index, step, err))
	default:
		result.AddError(fmt.Sprintf("step %d (%s): expected %s, got %v", index, step, step.Expect, err))
	}
}

// snapshot copies the trace, named invocation states and connected
// sessions into result.
func (h *Harness) snapshot(result *Result) {
	for _, ev := range h.log.Events() {
		result.AddTrace(ev)
	}
	for inv := range h.named {
		result.States[inv.String()] = h.coord.State(inv).String()
	}
	for _, info := range h.coord.Sessions() {
		result.Sessions = append(result.Sessions, info.ID)
	}
	sort.Slice(result.Sessions, func(i, j int) bool { return result.Sessions[i] < result.Sessions[j] })
}

// drain cancels every async step still in flight and waits for it to return.
func (h *Harness) drain(cancel context.CancelFunc) {
	cancel()
	for _, f := range h.inflight {
		if !f.finished {
			<-f.done
		}
	}
}
