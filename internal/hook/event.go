package hook

// EventKind distinguishes journal records.
type EventKind string

const (
	// EventConnect records a session joining the run.
	EventConnect EventKind = "connect"
	// EventDo records a Do once it is allowed to proceed.
	EventDo EventKind = "do"
	// EventWait records a Wait being registered as blocked.
	EventWait EventKind = "wait"
	// EventRelease records a Wait returning, either via a latch or a notify.
	EventRelease EventKind = "release"
	// EventNotify records a Notify that released a waiter.
	EventNotify EventKind = "notify"
	// EventLatch records a Notify stored for a future Wait.
	EventLatch EventKind = "latch"
	// EventDisconnect records a session leaving the run.
	EventDisconnect EventKind = "disconnect"
	// EventAbandon records a pending operation aborted by its session leaving.
	EventAbandon EventKind = "abandon"
)

// Detail values of EventRelease, telling how the wait was satisfied.
const (
	ReleaseLatched  = "latched"
	ReleaseNotified = "notified"
)

// Event is one entry of the coordinator's observation log.
//
// Seq comes from the coordinator's logical clock and totally orders events
// within a run. Invocation is the zero value for connect/disconnect events.
// Detail is kind-specific: the release path for release, the aborted
// operation for abandon, the reason for disconnect, the released client for
// notify.
type Event struct {
	Seq        int64      `json:"seq"`
	RunID      string     `json:"run_id"`
	Kind       EventKind  `json:"kind"`
	Session    ClientID   `json:"session"`
	Invocation Invocation `json:"invocation"`
	Detail     string     `json:"detail,omitempty"`
}

// HasInvocation reports whether the event concerns a specific invocation.
func (e Event) HasInvocation() bool {
	return e.Invocation.Hook != ""
}

// InvocationState is the wait/notify state of a single invocation.
//
//	Unseen → {WaitPending | NotifyLatched} → Satisfied
type InvocationState int

const (
	// StateUnseen means no wait, latch or completed rendezvous references the invocation.
	StateUnseen InvocationState = iota
	// StateWaitPending means at least one session is blocked waiting on it.
	StateWaitPending
	// StateNotifyLatched means at least one notify is stored for a future wait.
	StateNotifyLatched
	// StateSatisfied means a wait/notify pair has completed and nothing is outstanding.
	StateSatisfied
)

func (s InvocationState) String() string {
	switch s {
	case StateUnseen:
		return "Unseen"
	case StateWaitPending:
		return "WaitPending"
	case StateNotifyLatched:
		return "NotifyLatched"
	case StateSatisfied:
		return "Satisfied"
	default:
		return "Unknown"
	}
}
