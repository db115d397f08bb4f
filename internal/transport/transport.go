// Package transport carries encoded wire messages between clients and the
// coordinator. It preserves message boundaries and nothing else: encoding
// lives in package wire.
//
// Addresses select the transport by scheme:
//
//	tcp://127.0.0.1:15045    length-prefixed frames over TCP (default scheme)
//	unix:///tmp/ordserv.sock length-prefixed frames over a Unix socket
//	ws://127.0.0.1:15046     one WebSocket binary message per frame
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Scheme names a transport.
type Scheme string

const (
	SchemeTCP       Scheme = "tcp"
	SchemeUnix      Scheme = "unix"
	SchemeWebSocket Scheme = "ws"
)

// DefaultWebSocketPath is the HTTP path the WebSocket listener upgrades on.
const DefaultWebSocketPath = "/ordserv"

// ErrFrameTooLarge is returned for frames over the size limit.
var ErrFrameTooLarge = errors.New("frame too large")

// Conn is a bidirectional, message-oriented connection.
//
// WriteMessage may be called concurrently with ReadMessage. Concurrent
// writers are serialized by the implementation.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
	RemoteAddr() string
}

// Listener accepts Conns. Accept returns net.ErrClosed after Close.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	// Addr returns a dialable address including the scheme.
	Addr() string
}

// Address is a parsed transport address.
type Address struct {
	Scheme Scheme
	// Target is host:port for tcp, a filesystem path for unix, and
	// host:port[/path] for ws.
	Target string
}

func (a Address) String() string {
	return string(a.Scheme) + "://" + a.Target
}

// ParseAddress splits an address into scheme and target. A bare host:port
// means tcp.
func ParseAddress(address string) (Address, error) {
	scheme, target, found := strings.Cut(address, "://")
	if !found {
		scheme, target = string(SchemeTCP), address
	}
	if target == "" {
		return Address{}, fmt.Errorf("address %q: missing target", address)
	}
	switch Scheme(scheme) {
	case SchemeTCP, SchemeUnix, SchemeWebSocket:
		return Address{Scheme: Scheme(scheme), Target: target}, nil
	}
	return Address{}, fmt.Errorf("address %q: unsupported scheme %q", address, scheme)
}

// Listen opens a listener for the given address.
func Listen(address string) (Listener, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	switch addr.Scheme {
	case SchemeWebSocket:
		return listenWebSocket(addr)
	default:
		ln, err := net.Listen(string(addr.Scheme), addr.Target)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return &streamListener{ln: ln, scheme: addr.Scheme}, nil
	}
}

// Dial connects to the given address.
func Dial(ctx context.Context, address string) (Conn, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	switch addr.Scheme {
	case SchemeWebSocket:
		return dialWebSocket(ctx, addr)
	default:
		var d net.Dialer
		nc, err := d.DialContext(ctx, string(addr.Scheme), addr.Target)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return newStreamConn(nc), nil
	}
}
