package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/ordserv/internal/wire"
)

const wsWriteTimeout = 10 * time.Second

var wsDialer = websocket.DefaultDialer

// wsConn carries one frame per WebSocket message.
type wsConn struct {
	conn *websocket.Conn

	wmu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(wire.MaxMessageSize)
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, fmt.Errorf("%w: over %d bytes", ErrFrameTooLarge, wire.MaxMessageSize)
		}
		if err != nil {
			return nil, err
		}
		switch msgType {
		case websocket.BinaryMessage, websocket.TextMessage:
			return payload, nil
		}
	}
}

func (c *wsConn) WriteMessage(payload []byte) error {
	if len(payload) > wire.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// wsListener serves HTTP on its own net.Listener and hands every upgraded
// connection to Accept.
type wsListener struct {
	ln    net.Listener
	path  string
	srv   *http.Server
	conns chan *wsConn
	done  chan struct{}
	once  sync.Once
}

func listenWebSocket(addr Address) (*wsListener, error) {
	hostport, path := splitWebSocketTarget(addr.Target)
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	l := &wsListener{
		ln:    ln,
		path:  path,
		conns: make(chan *wsConn),
		done:  make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		select {
		case l.conns <- newWSConn(conn):
		case <-l.done:
			_ = conn.Close()
		}
	})
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("websocket listener stopped", "addr", ln.Addr().String(), "error", err)
		}
	}()
	return l, nil
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() string {
	return Address{Scheme: SchemeWebSocket, Target: l.ln.Addr().String() + l.path}.String()
}

func dialWebSocket(ctx context.Context, addr Address) (*wsConn, error) {
	hostport, path := splitWebSocketTarget(addr.Target)
	url := "ws://" + hostport + path
	conn, resp, err := wsDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSConn(conn), nil
}

func splitWebSocketTarget(target string) (hostport, path string) {
	if i := strings.Index(target, "/"); i >= 0 {
		return target[:i], target[i:]
	}
	return target, DefaultWebSocketPath
}
