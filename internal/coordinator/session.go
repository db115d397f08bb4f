package coordinator

import (
	"sync"

	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/wire"
)

// evictReason records why a session left the registry.
type evictReason string

const (
	reasonClient   evictReason = "client disconnect"
	reasonReplaced evictReason = "replaced by reconnect"
	reasonReset    evictReason = "run reset"
)

// Session is the coordinator-side record of one connected client.
//
// The Session value stays valid after eviction; operations on an evicted
// session fail with wire.ErrClientDisconnected.
type Session struct {
	id    hook.ClientID
	runID string

	// guarded by Coordinator.mu
	pending   *waiter
	lastAcked *hook.Invocation

	gone     chan struct{}
	goneOnce sync.Once
	reason   evictReason
}

// ID returns the effective client id.
func (s *Session) ID() hook.ClientID {
	return s.id
}

// RunID returns the run the session joined.
func (s *Session) RunID() string {
	return s.runID
}

// Gone is closed when the session is evicted for any reason.
func (s *Session) Gone() <-chan struct{} {
	return s.gone
}

func (s *Session) evicted() bool {
	select {
	case <-s.gone:
		return true
	default:
		return false
	}
}

// SessionInfo is a snapshot of one session for diagnostics.
type SessionInfo struct {
	ID          hook.ClientID    `json:"id"`
	RunID       string           `json:"run_id"`
	PendingKind wire.Kind        `json:"pending_kind,omitempty"`
	Pending     *hook.Invocation `json:"pending,omitempty"`
	LastAcked   *hook.Invocation `json:"last_acked,omitempty"`
}

// waiter is one blocked Do or Wait.
type waiter struct {
	session *Session
	kind    wire.Kind
	inv     hook.Invocation

	// result receives exactly one value: nil on release, an error on abort.
	result chan error
}

func newWaiter(s *Session, kind wire.Kind, inv hook.Invocation) *waiter {
	return &waiter{session: s, kind: kind, inv: inv, result: make(chan error, 1)}
}
