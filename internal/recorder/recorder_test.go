package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordserv/internal/coordinator"
	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/store"
	"github.com/roach88/ordserv/internal/testutil"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// runRecorder starts r and returns a function that stops it and waits.
func runRecorder(t *testing.T, r *Recorder) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	return func() {
		r.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("recorder did not stop")
		}
	}
}

var _ coordinator.RunObserver = (*Recorder)(nil)

func TestRecorder_JournalsCoordinatorEvents(t *testing.T) {
	s := setupTestStore(t)
	rec := New(s)
	stop := runRecorder(t, rec)

	coord := coordinator.New(
		coordinator.WithRunIDGenerator(testutil.NewSequentialRunIDs("run")),
		coordinator.WithObserver(rec),
	)
	ctx := context.Background()
	a, err := coord.Connect(0, "")
	require.NoError(t, err)
	b, err := coord.Connect(1, "")
	require.NoError(t, err)

	inv := hook.MustInvocation("C2", -1, 0)
	require.NoError(t, coord.Notify(a, inv))
	require.NoError(t, coord.Wait(ctx, b, inv))
	coord.Disconnect(0)
	coord.Disconnect(1)

	stop()

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, int64(1), runs[0].FirstSeq)

	events, err := s.ReadEvents(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, coord.Events(), events)

	state := store.AnalyzeRun("run-1", events)
	assert.True(t, state.IsComplete)
}

func TestRecorder_RecordsEachRun(t *testing.T) {
	s := setupTestStore(t)
	rec := New(s)
	stop := runRecorder(t, rec)

	coord := coordinator.New(
		coordinator.WithRunIDGenerator(testutil.NewSequentialRunIDs("run")),
		coordinator.WithObserver(rec),
	)
	_, err := coord.Connect(1, "")
	require.NoError(t, err)
	coord.Reset(nil)
	_, err = coord.Connect(1, "")
	require.NoError(t, err)

	stop()

	ctx := context.Background()
	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, 2, runs[0].Events) // connect, disconnect on reset
	assert.Equal(t, "run-2", runs[1].ID)
	assert.Equal(t, 1, runs[1].Events)

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-2", latest.ID)
}

func TestRecorder_DrainsOnCancel(t *testing.T) {
	s := setupTestStore(t)
	rec := New(s)

	rec.ObserveRun("r", "", 1)
	for seq := int64(2); seq <= 50; seq++ {
		rec.Observe(hook.Event{Seq: seq, RunID: "r", Kind: hook.EventConnect, Session: hook.ClientID(seq)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rec.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	events, err := s.ReadEvents(context.Background(), "r")
	require.NoError(t, err)
	assert.Len(t, events, 49)
	assert.Equal(t, 0, rec.Len())
}

func TestRecorder_ObserveAfterStopDrops(t *testing.T) {
	s := setupTestStore(t)
	rec := New(s)
	stop := runRecorder(t, rec)
	stop()

	rec.Observe(hook.Event{Seq: 1, RunID: "r", Kind: hook.EventConnect})

	assert.Equal(t, 0, rec.Len())
}

func TestRecorder_BadEntryDoesNotStall(t *testing.T) {
	s := setupTestStore(t)
	rec := New(s)

	// An event for an unknown run violates the foreign key; the run and
	// event after it are still written.
	rec.Observe(hook.Event{Seq: 1, RunID: "missing", Kind: hook.EventConnect})
	rec.ObserveRun("r", "", 2)
	rec.Observe(hook.Event{Seq: 3, RunID: "r", Kind: hook.EventConnect})

	stop := runRecorder(t, rec)
	stop()

	events, err := s.ReadEvents(context.Background(), "r")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
