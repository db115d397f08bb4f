// Package recorder journals coordinator events to the store.
//
// A Recorder is registered as a coordinator Observer. Observe only appends to
// an in-memory queue; a single Run goroutine drains the queue and writes to
// SQLite, so the coordinator never waits on disk I/O and the journal has
// exactly one writer.
package recorder

import (
	"context"
	"log/slog"

	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/store"
)

// Recorder implements coordinator.Observer and coordinator.RunObserver.
type Recorder struct {
	store *store.Store
	queue *entryQueue
}

// New creates a Recorder writing to s. Call Run to start writing.
func New(s *store.Store) *Recorder {
	return &Recorder{store: s, queue: newEntryQueue()}
}

// Observe queues ev. Events observed after Stop are dropped.
func (r *Recorder) Observe(ev hook.Event) {
	if !r.queue.Enqueue(entry{event: &ev}) {
		slog.Warn("journal closed, event dropped", "seq", ev.Seq, "kind", string(ev.Kind))
	}
}

// ObserveRun queues a run record.
func (r *Recorder) ObserveRun(runID, schedule string, seq int64) {
	run := store.Run{ID: runID, Schedule: schedule, FirstSeq: seq}
	if !r.queue.Enqueue(entry{run: &run}) {
		slog.Warn("journal closed, run dropped", "run_id", runID)
	}
}

// Len returns the number of entries not yet written.
func (r *Recorder) Len() int {
	return r.queue.Len()
}

// Run writes queued entries until ctx is cancelled or Stop is called.
// Entries still queued at that point are written before Run returns.
//
// CRITICAL: Run must be called from exactly one goroutine (single writer).
func (r *Recorder) Run(ctx context.Context) error {
	slog.Info("journal writer starting")

	// Writes outlive cancellation so the journal is complete on shutdown.
	writeCtx := context.WithoutCancel(ctx)

	for {
		if batch := r.queue.DequeueAll(); batch != nil {
			r.write(writeCtx, batch)
			continue
		}

		select {
		case <-ctx.Done():
			r.queue.Close()
			r.write(writeCtx, r.queue.DequeueAll())
			slog.Info("journal writer stopping: context cancelled")
			return ctx.Err()

		case <-r.queue.Wait():
			// The signal channel is closed by Stop, so this also fires
			// once the queue is closed.
			if r.queue.closedAndEmpty() {
				slog.Info("journal writer stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run writes what is left and returns.
func (r *Recorder) Stop() {
	r.queue.Close()
}

// write stores a batch. Consecutive events go in one transaction; a failed
// write is logged and skipped so one bad entry cannot stall the journal.
func (r *Recorder) write(ctx context.Context, batch []entry) {
	var events []hook.Event
	flush := func() {
		if len(events) == 0 {
			return
		}
		if err := r.store.WriteEvents(ctx, events); err != nil {
			slog.Error("journal write failed",
				"first_seq", events[0].Seq,
				"count", len(events),
				"error", err,
			)
		}
		events = events[:0]
	}

	for _, e := range batch {
		switch {
		case e.run != nil:
			flush()
			if err := r.store.WriteRun(ctx, *e.run); err != nil {
				slog.Error("journal write failed", "run_id", e.run.ID, "error", err)
			}
		case e.event != nil:
			events = append(events, *e.event)
		}
	}
	flush()
}
