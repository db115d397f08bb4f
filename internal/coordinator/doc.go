// Package coordinator implements the ordering coordinator: the single
// authoritative process that tracks tracepoint invocations from every
// connected client and mediates wait/notify rendezvous between them.
//
// # State
//
// All coordinator state lives in one Coordinator value guarded by one mutex:
//
//   - sessions: the connection registry, client id → *Session
//   - waits:    invocation → FIFO of blocked Wait calls
//   - latches:  invocation → FIFO of stored notifies (with their owner)
//   - deferred: Do calls withheld by the schedule
//   - recorded: invocations observed via Do or Notify (schedule input)
//
// Every operation (Connect, Do, Wait, Notify, Disconnect, Reset) mutates this
// state atomically. Blocking happens outside the lock: a blocked call owns a
// waiter with a one-slot result channel, and exactly one outcome (release,
// abort, or cancellation) is ever delivered to it.
//
// # Wait / Notify
//
// Per invocation:
//
//	Unseen → {WaitPending | NotifyLatched} → Satisfied
//
// A Notify releases the oldest waiter on the same invocation; with no waiter
// it is latched and the next Wait consumes it immediately. One notify never
// releases two waits.
//
// # Do
//
// Without a schedule Do records the invocation and returns. With a schedule,
// a Do whose invocation has predecessors is withheld until every predecessor
// has been recorded; recording it may in turn release other withheld Do
// calls. This is what forces independent clients into one interleaving.
//
// # Sessions
//
// Disconnecting a session aborts its pending operation with
// wire.ErrClientDisconnected and discards the notifies it latched. Waits on
// an abandoned invocation are removed, so the invocation reads as Unseen
// again unless something else references it.
//
// # Events
//
// Every state change is stamped by a logical Clock and appended to the
// in-memory history and to any registered Observer (see package recorder).
package coordinator
