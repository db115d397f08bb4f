package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordserv/internal/client"
	"github.com/roach88/ordserv/internal/coordinator"
	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/store"
	"github.com/roach88/ordserv/internal/testutil"
)

const promptly = 5 * time.Second

type servedCommand struct {
	coord  *coordinator.Coordinator
	addrs  []string
	cancel context.CancelFunc
	done   chan error
	out    *bytes.Buffer
	logs   *bytes.Buffer
}

// stop cancels the command and returns its error.
func (s *servedCommand) stop(t *testing.T) error {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.done:
		return err
	case <-time.After(promptly):
		t.Fatal("serve did not stop")
		return nil
	}
}

// startServe runs the serve command in the background and waits until it
// is listening.
func startServe(t *testing.T, runPrefix string, args ...string) *servedCommand {
	t.Helper()

	type readyInfo struct {
		coord *coordinator.Coordinator
		addrs []string
	}
	ready := make(chan readyInfo, 1)

	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		RunIDs:      testutil.NewSequentialRunIDs(runPrefix),
		Ready: func(coord *coordinator.Coordinator, addrs []string) {
			ready <- readyInfo{coord: coord, addrs: addrs}
		},
	}
	cmd := newServeCommand(opts)
	out, logs := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(logs)
	cmd.SetArgs(args)

	ctx, cancel := context.WithCancel(context.Background())
	s := &servedCommand{cancel: cancel, done: make(chan error, 1), out: out, logs: logs}
	go func() { s.done <- cmd.ExecuteContext(ctx) }()

	select {
	case info := <-ready:
		s.coord, s.addrs = info.coord, info.addrs
	case err := <-s.done:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(promptly):
		cancel()
		t.Fatal("serve did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.done:
		case <-time.After(promptly):
		}
	})
	return s
}

// runServeCommand runs serve to completion, for commands expected to fail
// before listening.
func runServeCommand(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newServeCommand(&ServeOptions{RootOptions: &RootOptions{Format: "text"}})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return cmd.Execute()
}

func join(t *testing.T, addr string, id hook.ClientID) *client.Link {
	t.Helper()
	link, worker, err := client.Start(context.Background(), addr, id)
	require.NoError(t, err)
	t.Cleanup(func() {
		link.Finish()
		worker.Wait()
	})
	return link
}

func goCall(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func TestServe_WaitNotifyAcrossTransports(t *testing.T) {
	s := startServe(t, "run", "--listen", "tcp://127.0.0.1:0", "--listen", "ws://127.0.0.1:0")
	require.Len(t, s.addrs, 2)
	assert.Contains(t, s.out.String(), "Coordinator listening on")
	assert.Contains(t, s.out.String(), "run-1")

	waiter := join(t, s.addrs[0], 0)
	notifier := join(t, s.addrs[1], 1)
	b := hook.MustInvocation("B", 0, 0)

	waited := goCall(func() error { return waiter.Wait(b) })
	require.Eventually(t, func() bool { return s.coord.State(b) == hook.StateWaitPending }, promptly, 5*time.Millisecond)

	require.NoError(t, notifier.Notify(b))
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(promptly):
		t.Fatal("wait was not released")
	}

	require.NoError(t, s.stop(t))
}

func TestServe_ScheduleHoldsDo(t *testing.T) {
	path := writeSchedule(t, "order.yaml", "name: order\nrules:\n  - after: [A, 0, 0]\n    release: [[B, 1, 0]]\n")
	s := startServe(t, "run", "--listen", "tcp://127.0.0.1:0", "--schedule", path)
	require.Equal(t, "order", s.coord.Schedule().Name)

	first := join(t, s.addrs[0], 0)
	second := join(t, s.addrs[0], 1)

	held := goCall(func() error { return second.Do(hook.MustInvocation("B", 1, 0)) })
	select {
	case err := <-held:
		t.Fatalf("Do returned before its predecessor: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Do(hook.MustInvocation("A", 0, 0)))
	select {
	case err := <-held:
		require.NoError(t, err)
	case <-time.After(promptly):
		t.Fatal("Do was not released")
	}
}

func TestServe_JournalRecordsRuns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	b := hook.MustInvocation("B", 0, 0)

	s := startServe(t, "first", "--listen", "tcp://127.0.0.1:0", "--db", dbPath)
	waiter := join(t, s.addrs[0], 0)
	notifier := join(t, s.addrs[0], 1)
	waited := goCall(func() error { return waiter.Wait(b) })
	require.Eventually(t, func() bool { return s.coord.State(b) == hook.StateWaitPending }, promptly, 5*time.Millisecond)
	require.NoError(t, notifier.Notify(b))
	require.NoError(t, <-waited)
	require.NoError(t, waiter.Finish())
	require.NoError(t, notifier.Finish())
	require.NoError(t, s.stop(t))

	// A second server on the same journal continues the clock.
	s2 := startServe(t, "second", "--listen", "tcp://127.0.0.1:0", "--db", dbPath)
	require.NoError(t, s2.stop(t))

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	runs, err := st.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "first-1", runs[0].ID)
	assert.Equal(t, "second-1", runs[1].ID)

	events, err := st.ReadEvents(ctx, "first-1")
	require.NoError(t, err)
	kinds := make([]hook.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []hook.EventKind{
		hook.EventConnect, hook.EventConnect,
		hook.EventWait, hook.EventNotify, hook.EventRelease,
		hook.EventDisconnect, hook.EventDisconnect,
	}, kinds)
	assert.Greater(t, runs[1].FirstSeq, events[len(events)-1].Seq)

	state, err := st.GetRunState(ctx, "first-1")
	require.NoError(t, err)
	assert.True(t, state.IsComplete)
}

func TestServe_WatchStartsNewRun(t *testing.T) {
	path := writeSchedule(t, "watched.yaml", "name: before\nrules:\n  - after: [A, 0, 0]\n    release: [[B, 1, 0]]\n")
	s := startServe(t, "run", "--listen", "tcp://127.0.0.1:0", "--schedule", path, "--watch")
	require.Equal(t, "run-1", s.coord.RunID())

	// A broken edit keeps the current run.
	require.NoError(t, os.WriteFile(path, []byte("rules: [oops"), 0o644))
	time.Sleep(3 * defaultWatchDebounce)
	assert.Equal(t, "run-1", s.coord.RunID())

	require.NoError(t, os.WriteFile(path, []byte("name: after\nrules:\n  - after: [C, 0, 0]\n    release: [[D, 1, 0]]\n"), 0o644))
	require.Eventually(t, func() bool { return s.coord.RunID() == "run-2" }, promptly, 10*time.Millisecond)
	assert.Equal(t, "after", s.coord.Schedule().Name)
}

func TestServe_LogsRunStartOnce(t *testing.T) {
	s := startServe(t, "logged", "--listen", "tcp://127.0.0.1:0")
	require.NoError(t, s.stop(t))

	assert.Equal(t, 1, strings.Count(s.logs.String(), `msg="run started"`), s.logs.String())
	assert.Contains(t, s.logs.String(), "run_id=logged-1")
}

func TestServe_WatchRequiresSchedule(t *testing.T) {
	err := runServeCommand(t, "--listen", "tcp://127.0.0.1:0", "--watch")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "server.watch")
}

func TestServe_CyclicScheduleRefused(t *testing.T) {
	path := writeSchedule(t, "cyclic.yaml", cyclicSchedule)

	err := runServeCommand(t, "--listen", "tcp://127.0.0.1:0", "--schedule", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "schedule can never complete")
}

func TestServe_InvalidListenAddress(t *testing.T) {
	err := runServeCommand(t, "--listen", "carrier-pigeon://loft")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "server.listen")
}

func TestServe_ListenFailureClosesOthers(t *testing.T) {
	s := startServe(t, "run", "--listen", "tcp://127.0.0.1:0")

	// The first address is free, the second is taken.
	err := runServeCommand(t, "--listen", "tcp://127.0.0.1:0", "--listen", s.addrs[0])
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to listen")
}
