package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/wire"
)

// Do records that s reached inv. Under a schedule the call blocks until every
// predecessor of inv has been recorded.
func (c *Coordinator) Do(ctx context.Context, s *Session, inv hook.Invocation) error {
	c.mu.Lock()
	if err := c.checkSessionLocked(s, wire.KindDo, inv); err != nil {
		c.mu.Unlock()
		return err
	}

	if c.readyLocked(inv) {
		c.recordDoLocked(s, inv)
		c.releaseDeferredLocked()
		c.mu.Unlock()
		return nil
	}

	w := newWaiter(s, wire.KindDo, inv)
	c.deferred = append(c.deferred, w)
	s.pending = w
	slog.Debug("do withheld by schedule", "client_id", s.id, "invocation", inv.String())
	c.mu.Unlock()

	return c.await(ctx, w)
}

// Wait blocks s until a Notify on inv is observed. A previously latched
// notify is consumed and the call returns at once.
func (c *Coordinator) Wait(ctx context.Context, s *Session, inv hook.Invocation) error {
	c.mu.Lock()
	if err := c.checkSessionLocked(s, wire.KindWait, inv); err != nil {
		c.mu.Unlock()
		return err
	}

	if owners := c.latches[inv]; len(owners) > 0 {
		if len(owners) == 1 {
			delete(c.latches, inv)
		} else {
			c.latches[inv] = owners[1:]
		}
		c.satisfied[inv]++
		c.ackLocked(s, inv)
		c.emitLocked(hook.EventRelease, s.id, inv, hook.ReleaseLatched)
		c.mu.Unlock()
		return nil
	}

	w := newWaiter(s, wire.KindWait, inv)
	c.waits[inv] = append(c.waits[inv], w)
	s.pending = w
	c.emitLocked(hook.EventWait, s.id, inv, "")
	c.mu.Unlock()

	return c.await(ctx, w)
}

// Notify signals inv. The oldest waiter on inv is released; with no waiter
// the notify is latched for the next Wait. Notify never blocks.
func (c *Coordinator) Notify(s *Session, inv hook.Invocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSessionLocked(s, wire.KindNotify, inv); err != nil {
		return err
	}

	c.recorded[inv] = struct{}{}
	c.ackLocked(s, inv)

	if ws := c.waits[inv]; len(ws) > 0 {
		w := ws[0]
		if len(ws) == 1 {
			delete(c.waits, inv)
		} else {
			c.waits[inv] = ws[1:]
		}
		c.satisfied[inv]++
		c.emitLocked(hook.EventNotify, s.id, inv, strconv.Itoa(int(w.session.id)))
		c.finishLocked(w)
		c.emitLocked(hook.EventRelease, w.session.id, inv, hook.ReleaseNotified)
	} else {
		c.latches[inv] = append(c.latches[inv], s.id)
		c.emitLocked(hook.EventLatch, s.id, inv, "")
	}

	c.releaseDeferredLocked()
	return nil
}

func (c *Coordinator) checkSessionLocked(s *Session, kind wire.Kind, inv hook.Invocation) error {
	if s.evicted() || c.sessions[s.id] != s {
		return wire.Errorf(wire.KindClientDisconnected, "session %d is not connected (%s %s)", s.id, kind, inv)
	}
	if s.pending != nil {
		// A link performs one operation at a time; the server enforces it too.
		return wire.Errorf(wire.KindProtocol, "session %d already has %s %s pending", s.id, s.pending.kind, s.pending.inv)
	}
	return nil
}

// await blocks until w is resolved or ctx ends. Cancellation removes the
// registration; if the waiter was resolved concurrently that outcome wins.
func (c *Coordinator) await(ctx context.Context, w *waiter) error {
	select {
	case err := <-w.result:
		return err
	case <-ctx.Done():
	}

	c.mu.Lock()
	if c.removeWaiterLocked(w) {
		w.session.pending = nil
		c.emitLocked(hook.EventAbandon, w.session.id, w.inv, string(w.kind))
		c.mu.Unlock()
		slog.Debug("operation cancelled", "client_id", w.session.id, "op", string(w.kind), "invocation", w.inv.String())
		return fmt.Errorf("%s %s: %w", w.kind, w.inv, ctx.Err())
	}
	c.mu.Unlock()
	return <-w.result
}

// finishLocked delivers a successful release to w.
func (c *Coordinator) finishLocked(w *waiter) {
	w.session.pending = nil
	c.ackLocked(w.session, w.inv)
	w.result <- nil
}

func (c *Coordinator) ackLocked(s *Session, inv hook.Invocation) {
	s.lastAcked = &inv
}

// removeWaiterLocked unregisters w. Returns false if it was no longer registered.
func (c *Coordinator) removeWaiterLocked(w *waiter) bool {
	switch w.kind {
	case wire.KindWait:
		ws := c.waits[w.inv]
		for i, x := range ws {
			if x == w {
				ws = append(ws[:i:i], ws[i+1:]...)
				if len(ws) == 0 {
					delete(c.waits, w.inv)
				} else {
					c.waits[w.inv] = ws
				}
				return true
			}
		}
	case wire.KindDo:
		for i, x := range c.deferred {
			if x == w {
				c.deferred = append(c.deferred[:i:i], c.deferred[i+1:]...)
				return true
			}
		}
	}
	return false
}

// readyLocked reports whether every schedule predecessor of inv is recorded.
func (c *Coordinator) readyLocked(inv hook.Invocation) bool {
	for _, pred := range c.schedule.Predecessors(inv) {
		if _, ok := c.recorded[pred]; !ok {
			return false
		}
	}
	return true
}

func (c *Coordinator) recordDoLocked(s *Session, inv hook.Invocation) {
	c.recorded[inv] = struct{}{}
	c.ackLocked(s, inv)
	c.emitLocked(hook.EventDo, s.id, inv, "")
}

// releaseDeferredLocked releases withheld Do calls whose predecessors are now
// all recorded. Releasing one may enable another, so it repeats until no
// progress is made. Within a pass, older Do calls are released first.
func (c *Coordinator) releaseDeferredLocked() {
	for progress := true; progress; {
		progress = false
		for i, w := range c.deferred {
			if !c.readyLocked(w.inv) {
				continue
			}
			c.deferred = append(c.deferred[:i:i], c.deferred[i+1:]...)
			c.recordDoLocked(w.session, w.inv)
			w.session.pending = nil
			w.result <- nil
			progress = true
			break
		}
	}
}
