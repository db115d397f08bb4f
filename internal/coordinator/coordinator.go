package coordinator

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/schedule"
	"github.com/roach88/ordserv/internal/wire"
)

// AutoIDBase is the first id handed out to clients that ask for one.
// Explicitly requested ids are expected to be small, so the two ranges
// do not collide in practice.
const AutoIDBase hook.ClientID = 1 << 16

// Observer receives every event the coordinator records, in clock order.
// Observe is called with the coordinator lock held and must not block.
type Observer interface {
	Observe(ev hook.Event)
}

// RunObserver is optionally implemented by an Observer that also wants to
// know when a run starts. seq is a clock tick reserved for the start; every
// event of the run has a larger seq.
type RunObserver interface {
	ObserveRun(runID, schedule string, seq int64)
}

// RunIDGenerator produces run identifiers.
// Implemented by UUIDv7RunIDs (production) and fixed generators in tests.
type RunIDGenerator interface {
	Generate() string
}

// UUIDv7RunIDs generates time-sortable UUIDv7 run ids.
type UUIDv7RunIDs struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
func (UUIDv7RunIDs) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Coordinator tracks sessions, waits, latches and the enforced schedule.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Coordinator struct {
	mu sync.Mutex

	clock     *Clock
	runIDs    RunIDGenerator
	observers []Observer
	exclusive bool

	runID     string
	schedule  *schedule.Schedule
	nextAuto  hook.ClientID
	sessions  map[hook.ClientID]*Session
	waits     map[hook.Invocation][]*waiter
	latches   map[hook.Invocation][]hook.ClientID
	deferred  []*waiter
	recorded  map[hook.Invocation]struct{}
	satisfied map[hook.Invocation]int
	history   []hook.Event
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSchedule enforces an ordering schedule on Do.
func WithSchedule(s *schedule.Schedule) Option {
	return func(c *Coordinator) {
		c.schedule = s
	}
}

// WithExclusiveIDs controls whether connecting with an active id fails
// (true, the default) or replaces the older session (false).
func WithExclusiveIDs(exclusive bool) Option {
	return func(c *Coordinator) {
		c.exclusive = exclusive
	}
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, o)
	}
}

// WithRunIDGenerator overrides the run id source.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(c *Coordinator) {
		c.runIDs = g
	}
}

// WithClock sets the logical clock, e.g. to continue after a journal's last seq.
func WithClock(clock *Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// New creates a Coordinator and starts its first run.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		clock:     NewClock(),
		runIDs:    UUIDv7RunIDs{},
		exclusive: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resetLocked()
	c.announceRunLocked()
	slog.Info("run started", "run_id", c.runID, "schedule", c.scheduleName())
	return c
}

// RunID returns the current run id.
func (c *Coordinator) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Schedule returns the enforced schedule, or nil.
func (c *Coordinator) Schedule() *schedule.Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedule
}

// Connect registers a new session.
//
// A negative requested id asks for an assigned one. A non-empty runID must
// match the current run; clients left over from a previous run are refused
// with wire.ErrStaleRun.
func (c *Coordinator) Connect(requested hook.ClientID, runID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if runID != "" && runID != c.runID {
		return nil, wire.Errorf(wire.KindStaleRun, "run %s is not the current run %s", runID, c.runID)
	}

	id := requested
	if requested.IsAuto() {
		id = c.allocateIDLocked()
	} else if old, ok := c.sessions[id]; ok {
		if c.exclusive {
			return nil, wire.Errorf(wire.KindDuplicateClientID, "client id %d is already connected", id)
		}
		c.evictLocked(old, reasonReplaced)
	}

	s := &Session{id: id, runID: c.runID, gone: make(chan struct{})}
	c.sessions[id] = s
	c.emitLocked(hook.EventConnect, id, hook.Invocation{}, "")

	slog.Info("session connected", "client_id", id, "requested", requested, "run_id", c.runID)
	return s, nil
}

// Disconnect evicts the session with the given id. Its pending operation
// fails with wire.ErrClientDisconnected and its latched notifies are
// discarded. Returns false if no such session is connected.
func (c *Coordinator) Disconnect(id hook.ClientID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return false
	}
	c.evictLocked(s, reasonClient)
	return true
}

// leave evicts s if it is still the registered session for its id.
func (c *Coordinator) leave(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions[s.id] == s {
		c.evictLocked(s, reasonClient)
	}
}

// Reset ends the current run and starts a new one with the given schedule.
// Every session is evicted and all wait, latch and schedule state is cleared.
func (c *Coordinator) Reset(s *schedule.Schedule) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.runID
	for _, sess := range c.sortedSessionsLocked() {
		c.evictLocked(sess, reasonReset)
	}
	c.schedule = s
	c.resetLocked()
	c.announceRunLocked()

	slog.Info("run reset", "previous_run_id", old, "run_id", c.runID, "schedule", c.scheduleName())
	return c.runID
}

func (c *Coordinator) resetLocked() {
	c.runID = c.runIDs.Generate()
	c.nextAuto = AutoIDBase
	c.sessions = make(map[hook.ClientID]*Session)
	c.waits = make(map[hook.Invocation][]*waiter)
	c.latches = make(map[hook.Invocation][]hook.ClientID)
	c.deferred = nil
	c.recorded = make(map[hook.Invocation]struct{})
	c.satisfied = make(map[hook.Invocation]int)
	c.history = nil
}

func (c *Coordinator) announceRunLocked() {
	seq := c.clock.Next()
	for _, o := range c.observers {
		if ro, ok := o.(RunObserver); ok {
			ro.ObserveRun(c.runID, c.scheduleName(), seq)
		}
	}
}

func (c *Coordinator) scheduleName() string {
	if c.schedule == nil {
		return ""
	}
	return c.schedule.Name
}

func (c *Coordinator) allocateIDLocked() hook.ClientID {
	for {
		id := c.nextAuto
		c.nextAuto++
		if _, taken := c.sessions[id]; !taken {
			return id
		}
	}
}

// evictLocked removes s from the registry, aborts its pending operation and
// drops its latches.
func (c *Coordinator) evictLocked(s *Session, reason evictReason) {
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}

	if w := s.pending; w != nil {
		c.removeWaiterLocked(w)
		s.pending = nil
		w.result <- wire.Errorf(wire.KindClientDisconnected,
			"session %d left (%s) while %s %s was pending", s.id, reason, w.kind, w.inv)
		c.emitLocked(hook.EventAbandon, s.id, w.inv, string(w.kind))
	}

	for inv, owners := range c.latches {
		kept := owners[:0]
		for _, owner := range owners {
			if owner != s.id {
				kept = append(kept, owner)
			}
		}
		if len(kept) == 0 {
			delete(c.latches, inv)
		} else {
			c.latches[inv] = kept
		}
	}

	s.reason = reason
	s.goneOnce.Do(func() { close(s.gone) })
	c.emitLocked(hook.EventDisconnect, s.id, hook.Invocation{}, string(reason))
	slog.Info("session disconnected", "client_id", s.id, "reason", string(reason))

	// Best effort: a waiter on an invocation attributed to the departed
	// client may never be notified.
	for inv, ws := range c.waits {
		if inv.Client != s.id {
			continue
		}
		for _, w := range ws {
			slog.Warn("waiter may never be notified",
				"waiting_client", w.session.id,
				"invocation", inv.String(),
				"departed_client", s.id,
			)
		}
	}
}

// State reports the wait/notify state of inv.
func (c *Coordinator) State(inv hook.Invocation) hook.InvocationState {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case len(c.waits[inv]) > 0:
		return hook.StateWaitPending
	case len(c.latches[inv]) > 0:
		return hook.StateNotifyLatched
	case c.satisfied[inv] > 0:
		return hook.StateSatisfied
	default:
		return hook.StateUnseen
	}
}

// Recorded reports whether inv has been observed via Do or Notify in this run.
func (c *Coordinator) Recorded(inv hook.Invocation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.recorded[inv]
	return ok
}

// Sessions returns a snapshot of the connection registry, sorted by id.
func (c *Coordinator) Sessions() []SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions := c.sortedSessionsLocked()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := SessionInfo{ID: s.id, RunID: s.runID}
		if s.pending != nil {
			inv := s.pending.inv
			info.PendingKind = s.pending.kind
			info.Pending = &inv
		}
		if s.lastAcked != nil {
			inv := *s.lastAcked
			info.LastAcked = &inv
		}
		out = append(out, info)
	}
	return out
}

func (c *Coordinator) sortedSessionsLocked() []*Session {
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Events returns a copy of the current run's event history in clock order.
func (c *Coordinator) Events() []hook.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hook.Event(nil), c.history...)
}

func (c *Coordinator) emitLocked(kind hook.EventKind, session hook.ClientID, inv hook.Invocation, detail string) {
	ev := hook.Event{
		Seq:        c.clock.Next(),
		RunID:      c.runID,
		Kind:       kind,
		Session:    session,
		Invocation: inv,
		Detail:     detail,
	}
	c.history = append(c.history, ev)
	for _, o := range c.observers {
		o.Observe(ev)
	}
}
