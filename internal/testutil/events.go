package testutil

import (
	"sync"

	"github.com/roach88/ordserv/internal/hook"
)

// EventLog is an observer that keeps every event it sees.
//
// Implements coordinator.Observer. Observe never blocks.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type EventLog struct {
	mu     sync.Mutex
	events []hook.Event
}

// NewEventLog creates an empty log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Observe appends ev.
func (l *EventLog) Observe(ev hook.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Events returns a copy of everything observed so far.
func (l *EventLog) Events() []hook.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]hook.Event(nil), l.events...)
}

// Kinds returns the kind of each observed event, in order.
func (l *EventLog) Kinds() []hook.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]hook.EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

// Count returns how many events of kind were observed.
func (l *EventLog) Count(kind hook.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Has reports whether an event of kind on inv was observed.
func (l *EventLog) Has(kind hook.EventKind, inv hook.Invocation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && ev.Invocation == inv {
			return true
		}
	}
	return false
}
