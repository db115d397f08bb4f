package store

import (
	"context"
	"fmt"

	"github.com/roach88/ordserv/internal/hook"
)

// Run is one coordinator run as recorded in the journal.
type Run struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule,omitempty"`
	FirstSeq int64  `json:"first_seq"`
	// Events is filled in by ListRuns and LatestRun.
	Events int `json:"events"`
}

// WriteRun inserts a run record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, schedule, first_seq)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.Schedule, run.FirstSeq)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// WriteEvent inserts one event.
// Uses ON CONFLICT(seq) DO NOTHING for idempotency - a replayed event is
// silently ignored.
//
// Note: the run referenced by ev.RunID must exist (foreign key constraint).
func (s *Store) WriteEvent(ctx context.Context, ev hook.Event) error {
	if _, err := s.db.ExecContext(ctx, insertEventSQL, eventArgs(ev)...); err != nil {
		return fmt.Errorf("write event %d: %w", ev.Seq, err)
	}
	return nil
}

// WriteEvents inserts a batch of events in one transaction. Either every
// event is written or none is.
func (s *Store) WriteEvents(ctx context.Context, events []hook.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write events: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("write events: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, eventArgs(ev)...); err != nil {
			return fmt.Errorf("write event %d: %w", ev.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write events: commit: %w", err)
	}
	return nil
}

const insertEventSQL = `
	INSERT INTO events (seq, run_id, kind, session, hook, client, hook_seq, detail)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(seq) DO NOTHING
`

func eventArgs(ev hook.Event) []any {
	return []any{
		ev.Seq,
		ev.RunID,
		string(ev.Kind),
		int32(ev.Session),
		ev.Invocation.Hook,
		int32(ev.Invocation.Client),
		int64(ev.Invocation.Seq),
		ev.Detail,
	}
}
