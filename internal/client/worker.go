package client

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/roach88/ordserv/internal/transport"
	"github.com/roach88/ordserv/internal/wire"
)

// Worker owns the read side of a link's connection. It matches each reply
// to the oldest outstanding request.
//
// Stop closes the connection; Wait blocks until the worker has exited.
type Worker struct {
	conn transport.Conn

	mu      sync.Mutex
	pending []chan wire.Message
	err     error // set once the worker stops accepting requests
	closing bool  // a disconnect was sent; connection loss is expected

	done     chan struct{}
	stopOnce sync.Once
}

func newWorker(conn transport.Conn) *Worker {
	w := &Worker{conn: conn, done: make(chan struct{})}
	go w.run()
	return w
}

// send writes m and returns the channel its reply will arrive on. The channel
// is closed without a value if the connection ends first.
func (w *Worker) send(m wire.Message) (<-chan wire.Message, error) {
	data, err := wire.Encode(m)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	// Registered before writing so a fast reply always finds its slot.
	ch := make(chan wire.Message, 1)
	w.pending = append(w.pending, ch)
	if m.Kind == wire.KindDisconnect {
		w.closing = true
	}
	if err := w.conn.WriteMessage(data); err != nil {
		w.pending = w.pending[:len(w.pending)-1]
		return nil, wire.Errorf(wire.KindClientDisconnected, "send %s: %v", m.Kind, err)
	}
	return ch, nil
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closing := w.closing
			w.mu.Unlock()
			if closing {
				w.fail(wire.Errorf(wire.KindLinkClosed, "link finished"), nil)
			} else {
				w.fail(wire.Errorf(wire.KindClientDisconnected, "connection lost: %v", err), err)
			}
			return
		}
		m, err := wire.Decode(data)
		if err == nil && !m.Kind.IsReply() {
			err = wire.Errorf(wire.KindProtocol, "unexpected %s from coordinator", m.Kind)
		}
		if err != nil {
			w.conn.Close()
			w.fail(err, nil)
			return
		}

		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			w.conn.Close()
			w.fail(wire.Errorf(wire.KindProtocol, "unsolicited %s", m), nil)
			return
		}
		ch := w.pending[0]
		w.pending = w.pending[1:]
		w.mu.Unlock()
		ch <- m
	}
}

// fail stops the worker from accepting requests and releases every
// outstanding one.
func (w *Worker) fail(err error, cause error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if cause != nil && !isClosed(cause) {
		slog.Warn("client link read failed", "error", cause)
	}
}

// closeWith sets the error later requests fail with and closes the connection.
func (w *Worker) closeWith(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	w.stopOnce.Do(func() { w.conn.Close() })
}

// Err returns why the worker stopped accepting requests, or nil.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop closes the connection, which ends the worker. Later operations on
// the link fail with wire.ErrLinkClosed. Safe to call repeatedly.
func (w *Worker) Stop() {
	w.closeWith(wire.Errorf(wire.KindLinkClosed, "worker stopped"))
}

// Done is closed once the worker has exited. A nil Worker is always done.
func (w *Worker) Done() <-chan struct{} {
	if w == nil {
		return closedChan
	}
	return w.done
}

// Wait blocks until the worker has exited. It returns nil after an orderly
// Stop or Finish and the terminal error otherwise.
func (w *Worker) Wait() error {
	if w == nil {
		return nil
	}
	<-w.done
	err := w.Err()
	if errors.Is(err, wire.ErrLinkClosed) {
		return nil
	}
	return err
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
