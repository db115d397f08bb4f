package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/schedule"
	"github.com/roach88/ordserv/internal/testutil"
	"github.com/roach88/ordserv/internal/wire"
)

const (
	blockedFor = 50 * time.Millisecond
	promptly   = 2 * time.Second
)

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *testutil.EventLog) {
	t.Helper()
	log := testutil.NewEventLog()
	opts = append([]Option{
		WithRunIDGenerator(testutil.NewSequentialRunIDs("run")),
		WithObserver(log),
	}, opts...)
	return New(opts...), log
}

func connect(t *testing.T, c *Coordinator, id hook.ClientID) *Session {
	t.Helper()
	s, err := c.Connect(id, "")
	require.NoError(t, err)
	return s
}

func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func requireBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("call returned early: %v", err)
	case <-time.After(blockedFor):
	}
}

func requireReturned(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(promptly):
		t.Fatal("call did not return")
		return nil
	}
}

func waitForState(t *testing.T, c *Coordinator, inv hook.Invocation, want hook.InvocationState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State(inv) == want }, promptly, time.Millisecond,
		"%s never reached %s", inv, want)
}

func waitForPending(t *testing.T, c *Coordinator, id hook.ClientID) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, info := range c.Sessions() {
			if info.ID == id {
				return info.Pending != nil
			}
		}
		return false
	}, promptly, time.Millisecond, "client %d never blocked", id)
}

func mustSchedule(t *testing.T, rules ...schedule.Rule) *schedule.Schedule {
	t.Helper()
	s, err := schedule.New("test", rules...)
	require.NoError(t, err)
	return s
}

func rule(after hook.Invocation, release ...hook.Invocation) schedule.Rule {
	return schedule.Rule{After: after, Release: release}
}

func TestCoordinator_New(t *testing.T) {
	c, _ := newTestCoordinator(t)

	assert.Equal(t, "run-1", c.RunID())
	assert.Nil(t, c.Schedule())
	assert.Empty(t, c.Sessions())
	assert.Empty(t, c.Events())
}

func TestConnect_AssignsAutoIDs(t *testing.T) {
	c, _ := newTestCoordinator(t)

	a := connect(t, c, hook.AutoID)
	b := connect(t, c, -7)
	explicit := connect(t, c, 3)

	assert.Equal(t, AutoIDBase, a.ID())
	assert.Equal(t, AutoIDBase+1, b.ID())
	assert.Equal(t, hook.ClientID(3), explicit.ID())
	assert.Equal(t, "run-1", a.RunID())
}

func TestConnect_AutoIDSkipsTakenIDs(t *testing.T) {
	c, _ := newTestCoordinator(t)

	connect(t, c, AutoIDBase)
	s := connect(t, c, hook.AutoID)

	assert.Equal(t, AutoIDBase+1, s.ID())
}

func TestConnect_DuplicateIDRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	connect(t, c, 1)

	_, err := c.Connect(1, "")

	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrDuplicateClientID)
}

func TestConnect_ReuseAfterDisconnect(t *testing.T) {
	c, _ := newTestCoordinator(t)
	connect(t, c, 1)

	require.True(t, c.Disconnect(1))
	assert.False(t, c.Disconnect(1))

	s := connect(t, c, 1)
	assert.Equal(t, hook.ClientID(1), s.ID())
}

func TestConnect_NonExclusiveReplacesSession(t *testing.T) {
	c, _ := newTestCoordinator(t, WithExclusiveIDs(false))
	old := connect(t, c, 1)
	inv := hook.MustInvocation("X", 1, 0)

	waitErr := async(func() error { return c.Wait(context.Background(), old, inv) })
	waitForState(t, c, inv, hook.StateWaitPending)

	replacement := connect(t, c, 1)

	err := requireReturned(t, waitErr)
	assert.ErrorIs(t, err, wire.ErrClientDisconnected)
	assert.NotSame(t, old, replacement)

	select {
	case <-old.Gone():
	default:
		t.Fatal("replaced session not marked gone")
	}
	assert.Equal(t, reasonReplaced, old.reason)
	require.Len(t, c.Sessions(), 1)
}

func TestConnect_StaleRunRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.Connect(1, "run-0")
	assert.ErrorIs(t, err, wire.ErrStaleRun)

	s, err := c.Connect(1, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", s.RunID())
}

// Scenario A: a wait does not return before the matching notify, and
// returns promptly after it.
func TestWait_BlocksUntilNotify(t *testing.T) {
	c, log := newTestCoordinator(t)
	ctx := context.Background()
	x := connect(t, c, 0)
	y := connect(t, c, 1)

	require.NoError(t, c.Do(ctx, x, hook.MustInvocation("A0", 0, 0)))

	a4 := hook.MustInvocation("A4", 0, 1)
	waitErr := async(func() error { return c.Wait(ctx, x, a4) })
	waitForState(t, c, a4, hook.StateWaitPending)
	requireBlocked(t, waitErr)

	require.NoError(t, c.Notify(y, a4))

	require.NoError(t, requireReturned(t, waitErr))
	assert.Equal(t, hook.StateSatisfied, c.State(a4))
	assert.Equal(t, []hook.EventKind{
		hook.EventConnect, hook.EventConnect,
		hook.EventDo, hook.EventWait, hook.EventNotify, hook.EventRelease,
	}, log.Kinds())
}

// Scenario B: a notify with no waiter is latched and the next wait consumes it.
func TestWait_ConsumesLatchedNotify(t *testing.T) {
	c, log := newTestCoordinator(t)
	ctx := context.Background()
	z := connect(t, c, hook.AutoID)
	w := connect(t, c, hook.AutoID)
	c2 := hook.MustInvocation("C2", -1, 0)

	require.NoError(t, c.Notify(z, c2))
	assert.Equal(t, hook.StateNotifyLatched, c.State(c2))

	waitErr := async(func() error { return c.Wait(ctx, w, c2) })

	require.NoError(t, requireReturned(t, waitErr))
	assert.Equal(t, hook.StateSatisfied, c.State(c2))
	assert.True(t, log.Has(hook.EventLatch, c2))
	assert.True(t, log.Has(hook.EventRelease, c2))
	assert.False(t, log.Has(hook.EventWait, c2))
}

func TestNotify_ReleasesOneWaiterInFIFOOrder(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	first := connect(t, c, 1)
	second := connect(t, c, 2)
	notifier := connect(t, c, 3)
	inv := hook.MustInvocation("shared", 0, 0)

	firstErr := async(func() error { return c.Wait(ctx, first, inv) })
	waitForPending(t, c, 1)
	secondErr := async(func() error { return c.Wait(ctx, second, inv) })
	waitForPending(t, c, 2)

	require.NoError(t, c.Notify(notifier, inv))

	require.NoError(t, requireReturned(t, firstErr))
	requireBlocked(t, secondErr)
	assert.Equal(t, hook.StateWaitPending, c.State(inv))

	require.NoError(t, c.Notify(notifier, inv))

	require.NoError(t, requireReturned(t, secondErr))
	assert.Equal(t, hook.StateSatisfied, c.State(inv))
}

func TestNotify_EachLatchSatisfiesOneWait(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	n := connect(t, c, 1)
	w := connect(t, c, 2)
	inv := hook.MustInvocation("L", 1, 0)

	require.NoError(t, c.Notify(n, inv))
	require.NoError(t, c.Notify(n, inv))

	require.NoError(t, c.Wait(ctx, w, inv))
	assert.Equal(t, hook.StateNotifyLatched, c.State(inv))
	require.NoError(t, c.Wait(ctx, w, inv))
	assert.Equal(t, hook.StateSatisfied, c.State(inv))

	blocked := async(func() error { return c.Wait(ctx, w, inv) })
	requireBlocked(t, blocked)
	require.NoError(t, c.Notify(n, inv))
	require.NoError(t, requireReturned(t, blocked))
}

func TestNotify_DifferentInvocationsDoNotMatch(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	w := connect(t, c, 1)
	n := connect(t, c, 2)

	waitErr := async(func() error { return c.Wait(ctx, w, hook.MustInvocation("H", 0, 1)) })
	waitForPending(t, c, 1)

	require.NoError(t, c.Notify(n, hook.MustInvocation("H", 0, 2)))
	require.NoError(t, c.Notify(n, hook.MustInvocation("H", 1, 1)))
	require.NoError(t, c.Notify(n, hook.MustInvocation("G", 0, 1)))

	requireBlocked(t, waitErr)
	c.Disconnect(1)
	assert.ErrorIs(t, requireReturned(t, waitErr), wire.ErrClientDisconnected)
}

// Scenario C: a disconnect aborts the pending wait, leaves other sessions
// alone, and the abandoned invocation reads as Unseen.
func TestDisconnect_AbortsPendingWait(t *testing.T) {
	c, log := newTestCoordinator(t)
	ctx := context.Background()
	gone := connect(t, c, 1)
	other := connect(t, c, 2)
	x := hook.MustInvocation("X", 1, 0)

	waitErr := async(func() error { return c.Wait(ctx, gone, x) })
	waitForState(t, c, x, hook.StateWaitPending)

	require.True(t, c.Disconnect(1))

	err := requireReturned(t, waitErr)
	assert.ErrorIs(t, err, wire.ErrClientDisconnected)
	assert.True(t, wire.IsDisconnected(err))
	assert.Equal(t, hook.StateUnseen, c.State(x))
	assert.True(t, log.Has(hook.EventAbandon, x))

	// Unrelated work is unaffected.
	y := hook.MustInvocation("Y", 2, 0)
	require.NoError(t, c.Notify(other, y))
	require.NoError(t, c.Wait(ctx, other, y))
	require.NoError(t, c.Do(ctx, other, hook.MustInvocation("Z", 2, 0)))

	// A fresh session can reuse the invocation from scratch.
	fresh := connect(t, c, 1)
	waitErr = async(func() error { return c.Wait(ctx, fresh, x) })
	waitForState(t, c, x, hook.StateWaitPending)
	require.NoError(t, c.Notify(other, x))
	require.NoError(t, requireReturned(t, waitErr))
}

func TestDisconnect_DiscardsLatchedNotifies(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	notifier := connect(t, c, 1)
	keeper := connect(t, c, 2)
	waiter := connect(t, c, 3)
	dropped := hook.MustInvocation("dropped", 1, 0)
	kept := hook.MustInvocation("kept", 2, 0)

	require.NoError(t, c.Notify(notifier, dropped))
	require.NoError(t, c.Notify(keeper, kept))

	c.Disconnect(1)

	assert.Equal(t, hook.StateUnseen, c.State(dropped))
	assert.Equal(t, hook.StateNotifyLatched, c.State(kept))

	require.NoError(t, c.Wait(ctx, waiter, kept))

	blocked := async(func() error { return c.Wait(ctx, waiter, dropped) })
	requireBlocked(t, blocked)
	c.Disconnect(3)
	assert.ErrorIs(t, requireReturned(t, blocked), wire.ErrClientDisconnected)
}

func TestDisconnect_KeepsOtherOwnersLatches(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a := connect(t, c, 1)
	b := connect(t, c, 2)
	inv := hook.MustInvocation("both", 0, 0)

	require.NoError(t, c.Notify(a, inv))
	require.NoError(t, c.Notify(b, inv))
	c.Disconnect(1)

	assert.Equal(t, hook.StateNotifyLatched, c.State(inv))
	assert.Equal(t, []hook.ClientID{2}, c.latches[inv])
}

func TestOperations_AfterEvictionFail(t *testing.T) {
	c, _ := newTestCoordinator(t)
	s := connect(t, c, 1)
	c.Disconnect(1)
	inv := hook.MustInvocation("H", 1, 0)

	assert.ErrorIs(t, c.Do(context.Background(), s, inv), wire.ErrClientDisconnected)
	assert.ErrorIs(t, c.Wait(context.Background(), s, inv), wire.ErrClientDisconnected)
	assert.ErrorIs(t, c.Notify(s, inv), wire.ErrClientDisconnected)
}

func TestOperations_OnePendingPerSession(t *testing.T) {
	c, _ := newTestCoordinator(t)
	s := connect(t, c, 1)
	inv := hook.MustInvocation("H", 1, 0)

	waitErr := async(func() error { return c.Wait(context.Background(), s, inv) })
	waitForPending(t, c, 1)

	err := c.Notify(s, hook.MustInvocation("other", 1, 0))
	assert.ErrorIs(t, err, wire.ErrProtocol)

	c.Disconnect(1)
	assert.ErrorIs(t, requireReturned(t, waitErr), wire.ErrClientDisconnected)
}

func TestDo_WithoutScheduleRecords(t *testing.T) {
	c, log := newTestCoordinator(t)
	s := connect(t, c, 1)
	inv := hook.MustInvocation("D", 1, 0)

	require.NoError(t, c.Do(context.Background(), s, inv))

	assert.True(t, c.Recorded(inv))
	assert.True(t, log.Has(hook.EventDo, inv))
	// Do alone does not touch wait/notify state.
	assert.Equal(t, hook.StateUnseen, c.State(inv))
}

func TestDo_ScheduleForcesOrder(t *testing.T) {
	first := hook.MustInvocation("first", 0, 0)
	second := hook.MustInvocation("second", 1, 0)
	c, log := newTestCoordinator(t, WithSchedule(mustSchedule(t, rule(first, second))))
	ctx := context.Background()
	a := connect(t, c, 0)
	b := connect(t, c, 1)

	secondErr := async(func() error { return c.Do(ctx, b, second) })
	waitForPending(t, c, 1)
	requireBlocked(t, secondErr)
	assert.False(t, c.Recorded(second))

	require.NoError(t, c.Do(ctx, a, first))

	require.NoError(t, requireReturned(t, secondErr))

	var order []hook.Invocation
	for _, ev := range log.Events() {
		if ev.Kind == hook.EventDo {
			order = append(order, ev.Invocation)
		}
	}
	assert.Equal(t, []hook.Invocation{first, second}, order)
}

func TestDo_WaitsForAllPredecessors(t *testing.T) {
	a := hook.MustInvocation("a", 0, 0)
	b := hook.MustInvocation("b", 1, 0)
	joined := hook.MustInvocation("joined", 2, 0)
	c, _ := newTestCoordinator(t, WithSchedule(mustSchedule(t, rule(a, joined), rule(b, joined))))
	ctx := context.Background()
	s0 := connect(t, c, 0)
	s1 := connect(t, c, 1)
	s2 := connect(t, c, 2)

	joinedErr := async(func() error { return c.Do(ctx, s2, joined) })
	waitForPending(t, c, 2)

	require.NoError(t, c.Do(ctx, s0, a))
	requireBlocked(t, joinedErr)

	// A notify also counts as reaching the invocation.
	require.NoError(t, c.Notify(s1, b))
	require.NoError(t, requireReturned(t, joinedErr))
}

func TestDo_ReleasesCascade(t *testing.T) {
	a := hook.MustInvocation("a", 0, 0)
	b := hook.MustInvocation("b", 1, 0)
	cc := hook.MustInvocation("c", 2, 0)
	c, log := newTestCoordinator(t, WithSchedule(mustSchedule(t, rule(a, b), rule(b, cc))))
	ctx := context.Background()
	s0 := connect(t, c, 0)
	s1 := connect(t, c, 1)
	s2 := connect(t, c, 2)

	cErr := async(func() error { return c.Do(ctx, s2, cc) })
	waitForPending(t, c, 2)
	bErr := async(func() error { return c.Do(ctx, s1, b) })
	waitForPending(t, c, 1)

	require.NoError(t, c.Do(ctx, s0, a))

	require.NoError(t, requireReturned(t, bErr))
	require.NoError(t, requireReturned(t, cErr))

	var order []string
	for _, ev := range log.Events() {
		if ev.Kind == hook.EventDo {
			order = append(order, ev.Invocation.Hook)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDo_UnconstrainedProceedsUnderSchedule(t *testing.T) {
	a := hook.MustInvocation("a", 0, 0)
	b := hook.MustInvocation("b", 1, 0)
	c, _ := newTestCoordinator(t, WithSchedule(mustSchedule(t, rule(a, b))))
	s := connect(t, c, 0)

	require.NoError(t, c.Do(context.Background(), s, a))
	require.NoError(t, c.Do(context.Background(), s, hook.MustInvocation("free", 0, 0)))
}

func TestDo_DisconnectAbortsWithheldDo(t *testing.T) {
	a := hook.MustInvocation("a", 0, 0)
	b := hook.MustInvocation("b", 1, 0)
	c, _ := newTestCoordinator(t, WithSchedule(mustSchedule(t, rule(a, b))))
	s := connect(t, c, 1)

	doErr := async(func() error { return c.Do(context.Background(), s, b) })
	waitForPending(t, c, 1)

	c.Disconnect(1)

	assert.ErrorIs(t, requireReturned(t, doErr), wire.ErrClientDisconnected)
	assert.Empty(t, c.deferred)
}

func TestWait_ContextCancelRemovesRegistration(t *testing.T) {
	c, log := newTestCoordinator(t)
	s := connect(t, c, 1)
	n := connect(t, c, 2)
	inv := hook.MustInvocation("H", 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	waitErr := async(func() error { return c.Wait(ctx, s, inv) })
	waitForState(t, c, inv, hook.StateWaitPending)

	cancel()

	err := requireReturned(t, waitErr)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, hook.StateUnseen, c.State(inv))
	assert.True(t, log.Has(hook.EventAbandon, inv))

	// The session stays usable and the next notify latches.
	require.NoError(t, c.Notify(n, inv))
	assert.Equal(t, hook.StateNotifyLatched, c.State(inv))
	require.NoError(t, c.Wait(context.Background(), s, inv))
}

func TestDo_ContextDeadline(t *testing.T) {
	a := hook.MustInvocation("a", 0, 0)
	b := hook.MustInvocation("b", 1, 0)
	c, _ := newTestCoordinator(t, WithSchedule(mustSchedule(t, rule(a, b))))
	s := connect(t, c, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Do(ctx, s, b)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, wire.KindTimeout, wire.KindOf(err))
	assert.False(t, c.Recorded(b))
	assert.Empty(t, c.deferred)
}

func TestReset_StartsNewRun(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	s := connect(t, c, 1)
	n := connect(t, c, 2)
	waited := hook.MustInvocation("W", 1, 0)
	latched := hook.MustInvocation("L", 2, 0)

	require.NoError(t, c.Notify(n, latched))
	waitErr := async(func() error { return c.Wait(ctx, s, waited) })
	waitForState(t, c, waited, hook.StateWaitPending)
	lastSeq := c.Events()[len(c.Events())-1].Seq

	sched := mustSchedule(t, rule(waited, latched))
	runID := c.Reset(sched)

	assert.Equal(t, "run-2", runID)
	assert.Equal(t, "run-2", c.RunID())
	assert.Same(t, sched, c.Schedule())
	assert.ErrorIs(t, requireReturned(t, waitErr), wire.ErrClientDisconnected)
	assert.Empty(t, c.Sessions())
	assert.Empty(t, c.Events())
	assert.Equal(t, hook.StateUnseen, c.State(waited))
	assert.Equal(t, hook.StateUnseen, c.State(latched))
	assert.Equal(t, reasonReset, s.reason)

	// Old-run clients are refused, and the clock keeps counting.
	_, err := c.Connect(1, "run-1")
	assert.ErrorIs(t, err, wire.ErrStaleRun)

	fresh := connect(t, c, 1)
	assert.Equal(t, hook.ClientID(1), fresh.ID())
	assert.Greater(t, c.Events()[0].Seq, lastSeq)
}

func TestSessions_Snapshot(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	s2 := connect(t, c, 2)
	s1 := connect(t, c, 1)
	done := hook.MustInvocation("done", 2, 0)
	blocked := hook.MustInvocation("blocked", 1, 0)

	require.NoError(t, c.Do(ctx, s2, done))
	waitErr := async(func() error { return c.Wait(ctx, s1, blocked) })
	waitForPending(t, c, 1)

	infos := c.Sessions()
	require.Len(t, infos, 2)

	assert.Equal(t, hook.ClientID(1), infos[0].ID)
	assert.Equal(t, wire.KindWait, infos[0].PendingKind)
	require.NotNil(t, infos[0].Pending)
	assert.Equal(t, blocked, *infos[0].Pending)
	assert.Nil(t, infos[0].LastAcked)

	assert.Equal(t, hook.ClientID(2), infos[1].ID)
	assert.Nil(t, infos[1].Pending)
	require.NotNil(t, infos[1].LastAcked)
	assert.Equal(t, done, *infos[1].LastAcked)

	require.NoError(t, c.Notify(s2, blocked))
	require.NoError(t, requireReturned(t, waitErr))

	infos = c.Sessions()
	require.NotNil(t, infos[0].LastAcked)
	assert.Equal(t, blocked, *infos[0].LastAcked)
}

func TestEvents_OrderedBySeq(t *testing.T) {
	c, log := newTestCoordinator(t, WithClock(NewClockAt(100)))
	s := connect(t, c, 1)
	require.NoError(t, c.Notify(s, hook.MustInvocation("N", 1, 0)))
	require.NoError(t, c.Do(context.Background(), s, hook.MustInvocation("D", 1, 0)))

	events := c.Events()
	require.Len(t, events, 3)
	// 101 marks the start of the run.
	assert.Equal(t, int64(102), events[0].Seq)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
		assert.Equal(t, "run-1", events[i].RunID)
	}
	assert.Equal(t, events, log.Events())
}
