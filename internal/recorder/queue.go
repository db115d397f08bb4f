package recorder

import (
	"sync"

	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/store"
)

// entry is one journal write: a run start or an event.
type entry struct {
	run   *store.Run
	event *hook.Event
}

// entryQueue is a thread-safe FIFO queue of journal entries.
//
// The queue is unbounded so that the coordinator, which enqueues while
// holding its lock, never blocks on the database.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type entryQueue struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
	signal  chan struct{} // Signals entry availability (buffered, size 1)
}

func newEntryQueue() *entryQueue {
	return &entryQueue{
		entries: make([]entry, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds an entry to the back of the queue.
// Returns false if the queue is closed.
func (q *entryQueue) Enqueue(e entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.entries = append(q.entries, e)

	// Non-blocking; the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// DequeueAll removes and returns every queued entry, oldest first.
// Returns nil if the queue is empty.
func (q *entryQueue) DequeueAll() []entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	out := q.entries
	q.entries = make([]entry, 0, cap(out))
	return out
}

// Wait returns a channel that signals when entries may be available.
// The channel is closed by Close.
func (q *entryQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *entryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *entryQueue) closedAndEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.entries) == 0
}

// Close signals that no more entries will be enqueued.
func (q *entryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
