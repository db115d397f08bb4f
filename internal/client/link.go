package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/ordserv/internal/hook"
	"github.com/roach88/ordserv/internal/transport"
	"github.com/roach88/ordserv/internal/wire"
)

// DefaultFinishTimeout bounds how long Finish waits for the coordinator to
// acknowledge a disconnect.
const DefaultFinishTimeout = 5 * time.Second

// Dialer opens a transport connection.
type Dialer func(ctx context.Context, address string) (transport.Conn, error)

type options struct {
	waitTimeout   time.Duration
	finishTimeout time.Duration
	runID         string
	dial          Dialer
}

// Option configures Start.
type Option func(*options)

// WithWaitTimeout fails any call that gets no reply within d with
// wire.ErrTimeout and closes the link. Zero waits forever.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		o.waitTimeout = d
	}
}

// WithRunID joins a specific run; the coordinator refuses the connect with
// wire.ErrStaleRun once that run has ended.
func WithRunID(runID string) Option {
	return func(o *options) {
		o.runID = runID
	}
}

// WithDialer replaces transport.Dial.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dial = d
	}
}

// WithFinishTimeout overrides DefaultFinishTimeout.
func WithFinishTimeout(d time.Duration) Option {
	return func(o *options) {
		o.finishTimeout = d
	}
}

// Link is one client connection to the coordinator.
//
// Thread-safety: all methods are safe for concurrent use. Operations are
// serialized; at most one is in flight.
type Link struct {
	id     hook.ClientID
	runID  string
	worker *Worker

	waitTimeout   time.Duration
	finishTimeout time.Duration

	callMu     sync.Mutex
	closed     atomic.Bool
	finishOnce sync.Once
}

// Start connects to the coordinator at address and announces requested as
// the client id (negative for an assigned one). It returns once the
// coordinator has confirmed the effective id.
func Start(ctx context.Context, address string, requested hook.ClientID, opts ...Option) (*Link, *Worker, error) {
	o := options{
		finishTimeout: DefaultFinishTimeout,
		dial:          transport.Dial,
	}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := o.dial(ctx, address)
	if err != nil {
		return nil, nil, fmt.Errorf("start client: %w", err)
	}

	reply, err := handshake(ctx, conn, wire.Connect(requested, o.runID))
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("start client: %w", err)
	}

	link := &Link{
		id:            reply.ClientID,
		runID:         reply.RunID,
		worker:        newWorker(conn),
		waitTimeout:   o.waitTimeout,
		finishTimeout: o.finishTimeout,
	}
	slog.Debug("client connected", "client_id", link.id, "run_id", link.runID, "addr", address)
	return link, link.worker, nil
}

// handshake sends the connect request and reads its reply before the worker
// takes over the connection.
func handshake(ctx context.Context, conn transport.Conn, req wire.Message) (wire.Message, error) {
	data, err := wire.Encode(req)
	if err != nil {
		return wire.Message{}, err
	}
	if err := conn.WriteMessage(data); err != nil {
		return wire.Message{}, wire.Errorf(wire.KindClientDisconnected, "send connect: %v", err)
	}

	type result struct {
		msg wire.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.ReadMessage()
		if err != nil {
			ch <- result{err: wire.Errorf(wire.KindClientDisconnected, "read connect reply: %v", err)}
			return
		}
		m, err := wire.Decode(data)
		ch <- result{msg: m, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		conn.Close()
		<-ch
		return wire.Message{}, ctx.Err()
	}
	if r.err != nil {
		return wire.Message{}, r.err
	}
	if err := r.msg.Err(); err != nil {
		return wire.Message{}, err
	}
	if r.msg.Kind != wire.KindConnected {
		return wire.Message{}, wire.Errorf(wire.KindProtocol, "expected connected, got %s", r.msg.Kind)
	}
	return r.msg, nil
}

// ID returns the effective client id assigned by the coordinator.
func (l *Link) ID() hook.ClientID {
	return l.id
}

// RunID returns the run the link joined.
func (l *Link) RunID() string {
	return l.runID
}

// Do reports reaching inv and blocks while the coordinator's schedule
// withholds it.
func (l *Link) Do(inv hook.Invocation) error {
	return l.call(wire.KindDo, inv)
}

// Wait blocks until some client notifies inv, or returns at once if a
// notify is already latched.
func (l *Link) Wait(inv hook.Invocation) error {
	return l.call(wire.KindWait, inv)
}

// Notify signals inv. It does not block on other clients.
func (l *Link) Notify(inv hook.Invocation) error {
	return l.call(wire.KindNotify, inv)
}

// MaybeDo is Do on the invocation (hookName, client, seq).
func (l *Link) MaybeDo(hookName string, client int32, seq uint32) error {
	return l.maybe(wire.KindDo, hookName, client, seq)
}

// MaybeWait is Wait on the invocation (hookName, client, seq).
func (l *Link) MaybeWait(hookName string, client int32, seq uint32) error {
	return l.maybe(wire.KindWait, hookName, client, seq)
}

// MaybeNotify is Notify on the invocation (hookName, client, seq).
func (l *Link) MaybeNotify(hookName string, client int32, seq uint32) error {
	return l.maybe(wire.KindNotify, hookName, client, seq)
}

func (l *Link) maybe(kind wire.Kind, hookName string, client int32, seq uint32) error {
	inv, err := hook.NewInvocation(hookName, hook.ClientID(client), seq)
	if err != nil {
		return wire.Errorf(wire.KindProtocol, "%s: %v", kind, err)
	}
	return l.call(kind, inv)
}

func (l *Link) call(kind wire.Kind, inv hook.Invocation) error {
	l.callMu.Lock()
	defer l.callMu.Unlock()

	if l.closed.Load() {
		return wire.Errorf(wire.KindLinkClosed, "%s %s: link closed", kind, inv)
	}

	ch, err := l.worker.send(wire.Tracepoint(kind, inv))
	if err != nil {
		return err
	}

	var timeout <-chan time.Time
	if l.waitTimeout > 0 {
		timer := time.NewTimer(l.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return wire.Errorf(wire.KindClientDisconnected, "%s %s: connection closed before reply", kind, inv)
		}
		return replyError(reply)
	case <-timeout:
		// Replies are matched by order, so a late reply would be
		// attributed to the next request. The link cannot be reused.
		err := wire.Errorf(wire.KindTimeout, "%s %s: no reply after %s", kind, inv, l.waitTimeout)
		slog.Warn("client call timed out, closing link", "client_id", l.id, "op", string(kind), "invocation", inv.String())
		l.closed.Store(true)
		l.worker.closeWith(err)
		return err
	}
}

func replyError(m wire.Message) error {
	switch m.Kind {
	case wire.KindAck:
		return nil
	case wire.KindError:
		return m.Err()
	default:
		return wire.Errorf(wire.KindProtocol, "expected ack, got %s", m.Kind)
	}
}

// Finish disconnects from the coordinator and stops the worker. An operation
// still in flight fails with wire.ErrClientDisconnected; operations after
// Finish fail with wire.ErrLinkClosed, as does a second Finish.
func (l *Link) Finish() error {
	err := error(wire.Errorf(wire.KindLinkClosed, "link already finished"))
	l.finishOnce.Do(func() { err = l.finish() })
	return err
}

func (l *Link) finish() error {
	l.closed.Store(true)

	var err error
	if ch, sendErr := l.worker.send(wire.Disconnect(l.id)); sendErr == nil {
		timer := time.NewTimer(l.finishTimeout)
		defer timer.Stop()
		select {
		case reply, ok := <-ch:
			if ok {
				err = replyError(reply)
			}
		case <-timer.C:
			err = wire.Errorf(wire.KindTimeout, "disconnect not acknowledged after %s", l.finishTimeout)
		}
	}

	l.worker.closeWith(wire.Errorf(wire.KindLinkClosed, "link finished"))
	<-l.worker.Done()
	slog.Debug("client finished", "client_id", l.id)
	return err
}
