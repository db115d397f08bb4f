package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/ordserv/internal/hook"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustWriteRun writes a run or fails the test.
func mustWriteRun(t *testing.T, s *Store, id string, firstSeq int64) {
	t.Helper()
	if err := s.WriteRun(context.Background(), Run{ID: id, Schedule: "test", FirstSeq: firstSeq}); err != nil {
		t.Fatalf("WriteRun(%s) failed: %v", id, err)
	}
}

// ev builds an event with the fields tests care about.
func ev(seq int64, runID string, kind hook.EventKind, session hook.ClientID, inv hook.Invocation, detail string) hook.Event {
	return hook.Event{Seq: seq, RunID: runID, Kind: kind, Session: session, Invocation: inv, Detail: detail}
}
