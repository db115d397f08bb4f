package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/roach88/ordserv/internal/wire"
)

const headerSize = 4

// streamConn frames messages on a byte stream with a 4-byte big-endian
// length prefix.
type streamConn struct {
	nc net.Conn
	r  *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer
}

func newStreamConn(nc net.Conn) *streamConn {
	return &streamConn{
		nc: nc,
		r:  bufio.NewReader(nc),
		w:  bufio.NewWriter(nc),
	}
}

func (c *streamConn) ReadMessage() ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > wire.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

func (c *streamConn) WriteMessage(payload []byte) error {
	if len(payload) > wire.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := c.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *streamConn) Close() error {
	return c.nc.Close()
}

func (c *streamConn) RemoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

type streamListener struct {
	ln     net.Listener
	scheme Scheme
}

func (l *streamListener) Accept() (Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newStreamConn(nc), nil
}

func (l *streamListener) Close() error {
	return l.ln.Close()
}

func (l *streamListener) Addr() string {
	return Address{Scheme: l.scheme, Target: l.ln.Addr().String()}.String()
}
