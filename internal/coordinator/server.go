package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/roach88/ordserv/internal/transport"
	"github.com/roach88/ordserv/internal/wire"
)

// DefaultQueueSize bounds requests read ahead of the one being processed.
const DefaultQueueSize = 64

// Server accepts client connections and runs one handler per connection
// against a shared Coordinator.
type Server struct {
	coord     *Coordinator
	queueSize int

	mu     sync.Mutex
	conns  map[transport.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithQueueSize sets the per-connection read-ahead queue size.
func WithQueueSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// NewServer creates a Server for c.
func NewServer(c *Coordinator, opts ...ServerOption) *Server {
	s := &Server{
		coord:     c,
		queueSize: DefaultQueueSize,
		conns:     make(map[transport.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Coordinator returns the coordinator the server dispatches to.
func (s *Server) Coordinator() *Coordinator {
	return s.coord
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// On return the listener and every connection are closed and all handlers
// have finished. Cancellation is not an error.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
		s.closeAll()
	}()

	slog.Info("coordinator listening", "addr", ln.Addr(), "run_id", s.coord.RunID())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeAll()
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) track(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
}

// request is one decoded message, or the error that ended reading.
type request struct {
	msg wire.Message
	err error
}

// handle runs one connection: handshake, then a reader feeding a sequential
// processor. Replies go out in request order.
func (s *Server) handle(ctx context.Context, conn transport.Conn) {
	defer conn.Close()
	log := slog.With("remote", conn.RemoteAddr())

	sess, err := s.handshake(conn)
	if err != nil {
		if !isClosed(err) {
			log.Warn("handshake failed", "error", err)
		}
		return
	}
	log = log.With("client_id", sess.ID())
	defer s.coord.leave(sess)

	// Sessions evicted by a reset or a replacing reconnect lose their
	// connection; a client-initiated leave is closed by the processor.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-sess.Gone():
			if sess.reason != reasonClient {
				log.Info("closing connection", "reason", string(sess.reason))
				conn.Close()
			}
		case <-connDone:
		}
	}()

	queue := make(chan request, s.queueSize)
	go s.read(conn, sess, queue, connDone)

	for req := range queue {
		if req.err != nil {
			log.Warn("protocol error", "error", req.err)
			s.reply(conn, wire.ErrorReply(req.err))
			return
		}
		if req.msg.Kind == wire.KindDisconnect {
			s.reply(conn, wire.Ack())
			log.Debug("client finished")
			return
		}
		if err := s.process(ctx, sess, req.msg); err != nil {
			log.Debug("request failed", "request", req.msg.String(), "error", err)
			if !s.reply(conn, wire.ErrorReply(err)) {
				return
			}
			continue
		}
		if !s.reply(conn, wire.Ack()) {
			return
		}
	}
}

// handshake requires the first message to be a connect.
func (s *Server) handshake(conn transport.Conn) (*Session, error) {
	data, err := conn.ReadMessage()
	if err != nil {
		if perr := frameError(err); perr != nil {
			s.reply(conn, wire.ErrorReply(perr))
			return nil, perr
		}
		return nil, err
	}
	msg, err := wire.Decode(data)
	if err == nil && msg.Kind != wire.KindConnect {
		err = wire.Errorf(wire.KindProtocol, "expected connect, got %s", msg.Kind)
	}
	if err != nil {
		s.reply(conn, wire.ErrorReply(err))
		return nil, err
	}

	sess, err := s.coord.Connect(msg.ClientID, msg.RunID)
	if err != nil {
		s.reply(conn, wire.ErrorReply(err))
		return nil, err
	}
	if !s.reply(conn, wire.Connected(sess.ID(), sess.RunID())) {
		s.coord.leave(sess)
		return nil, wire.Errorf(wire.KindClientDisconnected, "connection lost during handshake")
	}
	return sess, nil
}

// read decodes requests until the connection ends, a disconnect arrives or a
// malformed message is seen. Departure is applied to the coordinator
// immediately so a blocked operation on this session is aborted without
// waiting for the processor.
func (s *Server) read(conn transport.Conn, sess *Session, queue chan<- request, done <-chan struct{}) {
	defer close(queue)
	push := func(r request) bool {
		select {
		case queue <- r:
			return true
		case <-done:
			return false
		}
	}
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.coord.leave(sess)
			if perr := frameError(err); perr != nil {
				push(request{err: perr})
			}
			return
		}
		msg, err := wire.Decode(data)
		if err == nil && !msg.Kind.IsRequest() {
			err = wire.Errorf(wire.KindProtocol, "unexpected %s from client", msg.Kind)
		}
		if err == nil && msg.Kind == wire.KindConnect {
			err = wire.Errorf(wire.KindProtocol, "already connected as %d", sess.ID())
		}
		if err != nil {
			s.coord.leave(sess)
			push(request{err: err})
			return
		}
		if msg.Kind == wire.KindDisconnect {
			s.coord.leave(sess)
			push(request{msg: msg})
			return
		}
		if !push(request{msg: msg}) {
			return
		}
	}
}

// frameError reports a read failure the peer caused by breaking framing
// rules, as a protocol error it should be told about. Other read failures
// mean the connection is gone and yield nil.
func frameError(err error) error {
	if errors.Is(err, transport.ErrFrameTooLarge) {
		return wire.Errorf(wire.KindProtocol, "%v", err)
	}
	return nil
}

func (s *Server) process(ctx context.Context, sess *Session, msg wire.Message) error {
	inv, err := msg.Invocation()
	if err != nil {
		return err
	}
	switch msg.Kind {
	case wire.KindDo:
		return s.coord.Do(ctx, sess, inv)
	case wire.KindWait:
		return s.coord.Wait(ctx, sess, inv)
	case wire.KindNotify:
		return s.coord.Notify(sess, inv)
	default:
		return wire.Errorf(wire.KindProtocol, "unexpected %s", msg.Kind)
	}
}

// reply writes one message; false means the connection is unusable.
func (s *Server) reply(conn transport.Conn, msg wire.Message) bool {
	data, err := wire.Encode(msg)
	if err != nil {
		slog.Error("encode reply", "reply", msg.String(), "error", err)
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		if !isClosed(err) {
			slog.Debug("write reply", "remote", conn.RemoteAddr(), "error", err)
		}
		return false
	}
	return true
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
