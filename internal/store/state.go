package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/wire"
)

// RunState summarizes what a run left unfinished.
type RunState struct {
	RunID   string
	Events  []hook.Event
	LastSeq int64

	// Connected lists sessions that never disconnected.
	Connected []hook.ClientID
	// OpenWaits lists waits that were neither released nor abandoned.
	OpenWaits []hook.Invocation
	// Latched lists notifies no wait consumed, one entry per latch.
	Latched []hook.Invocation

	// IsComplete is true when every session left and no wait is open.
	IsComplete bool
}

// GetRunState reads a run's events and analyzes them.
func (s *Store) GetRunState(ctx context.Context, runID string) (RunState, error) {
	events, err := s.ReadEvents(ctx, runID)
	if err != nil {
		return RunState{RunID: runID}, fmt.Errorf("get run state: %w", err)
	}
	return AnalyzeRun(runID, events), nil
}

// AnalyzeRun replays events (ordered by seq) through the same bookkeeping the
// coordinator performs and reports what remained outstanding.
func AnalyzeRun(runID string, events []hook.Event) RunState {
	state := RunState{RunID: runID, Events: events}

	connected := make(map[hook.ClientID]bool)
	waits := make(map[hook.Invocation]int)
	latches := make(map[hook.Invocation][]hook.ClientID)

	for _, ev := range events {
		if ev.Seq > state.LastSeq {
			state.LastSeq = ev.Seq
		}

		switch ev.Kind {
		case hook.EventConnect:
			connected[ev.Session] = true

		case hook.EventDisconnect:
			delete(connected, ev.Session)
			for inv, owners := range latches {
				kept := owners[:0]
				for _, owner := range owners {
					if owner != ev.Session {
						kept = append(kept, owner)
					}
				}
				latches[inv] = kept
			}

		case hook.EventWait:
			waits[ev.Invocation]++

		case hook.EventLatch:
			latches[ev.Invocation] = append(latches[ev.Invocation], ev.Session)

		case hook.EventRelease:
			if ev.Detail == hook.ReleaseLatched {
				if owners := latches[ev.Invocation]; len(owners) > 0 {
					latches[ev.Invocation] = owners[1:]
				}
			} else {
				waits[ev.Invocation]--
			}

		case hook.EventAbandon:
			if ev.Detail == string(wire.KindWait) {
				waits[ev.Invocation]--
			}
		}
	}

	for id := range connected {
		state.Connected = append(state.Connected, id)
	}
	sort.Slice(state.Connected, func(i, j int) bool { return state.Connected[i] < state.Connected[j] })

	for inv, n := range waits {
		for i := 0; i < n; i++ {
			state.OpenWaits = append(state.OpenWaits, inv)
		}
	}
	sortInvocations(state.OpenWaits)

	for inv, owners := range latches {
		for range owners {
			state.Latched = append(state.Latched, inv)
		}
	}
	sortInvocations(state.Latched)

	state.IsComplete = len(state.Connected) == 0 && len(state.OpenWaits) == 0
	return state
}

func sortInvocations(list []hook.Invocation) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Hook != b.Hook {
			return a.Hook < b.Hook
		}
		if a.Client != b.Client {
			return a.Client < b.Client
		}
		return a.Seq < b.Seq
	})
}
