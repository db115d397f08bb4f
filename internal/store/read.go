package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/ordserv/internal/hook"
)

// ErrNoRuns is returned by LatestRun on an empty journal.
var ErrNoRuns = errors.New("journal has no runs")

// ReadEvents returns every event of a run, ordered by seq.
//
// Returns an empty slice (not nil) if the run has no events.
func (s *Store) ReadEvents(ctx context.Context, runID string) ([]hook.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, run_id, kind, session, hook, client, hook_seq, detail
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return collectEvents(rows)
}

// ReadInvocationEvents returns the events of a run that concern inv, ordered by seq.
func (s *Store) ReadInvocationEvents(ctx context.Context, runID string, inv hook.Invocation) ([]hook.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, run_id, kind, session, hook, client, hook_seq, detail
		FROM events
		WHERE run_id = ? AND hook = ? AND client = ? AND hook_seq = ?
		ORDER BY seq ASC
	`, runID, inv.Hook, int32(inv.Client), int64(inv.Seq))
	if err != nil {
		return nil, fmt.Errorf("query invocation events: %w", err)
	}
	return collectEvents(rows)
}

// ListRuns returns every run in the order they started.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.schedule, r.first_seq, COUNT(e.seq)
		FROM runs r
		LEFT JOIN events e ON e.run_id = r.id
		GROUP BY r.id
		ORDER BY r.first_seq ASC, r.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Schedule, &r.FirstSeq, &r.Events); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun returns one run by id. Returns sql.ErrNoRows (wrapped) if absent.
func (s *Store) ReadRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.schedule, r.first_seq,
		       (SELECT COUNT(*) FROM events e WHERE e.run_id = r.id)
		FROM runs r
		WHERE r.id = ?
	`, runID)
	var r Run
	if err := row.Scan(&r.ID, &r.Schedule, &r.FirstSeq, &r.Events); err != nil {
		return Run{}, fmt.Errorf("read run %s: %w", runID, err)
	}
	return r, nil
}

// LatestRun returns the most recently started run, or ErrNoRuns.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM runs ORDER BY first_seq DESC, id COLLATE BINARY DESC LIMIT 1
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNoRuns
	}
	if err != nil {
		return Run{}, fmt.Errorf("latest run: %w", err)
	}
	return s.ReadRun(ctx, id)
}

// LastSeq returns the highest seq in the journal, or 0 if it is empty.
// The server starts its clock here so seq stays unique across restarts.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM (
			SELECT MAX(seq) AS seq FROM events
			UNION ALL
			SELECT MAX(first_seq) FROM runs
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

func collectEvents(rows *sql.Rows) ([]hook.Event, error) {
	defer rows.Close()

	events := []hook.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (hook.Event, error) {
	var (
		ev      hook.Event
		kind    string
		session int32
		client  int32
		hookSeq int64
	)
	err := rows.Scan(&ev.Seq, &ev.RunID, &kind, &session, &ev.Invocation.Hook, &client, &hookSeq, &ev.Detail)
	if err != nil {
		return hook.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = hook.EventKind(kind)
	ev.Session = hook.ClientID(session)
	ev.Invocation.Client = hook.ClientID(client)
	ev.Invocation.Seq = uint32(hookSeq)
	return ev, nil
}
