package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultMaxFrameSize bounds a single frame including its terminator.
const DefaultMaxFrameSize = 128 * 1024

const readChunkSize = 4096

var (
	// ErrFrameTooLarge is returned when the peer sends more than the frame
	// limit without a terminator. The connection must be dropped.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrUnexpectedStatus is returned by callers that got a reply they did not ask for.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Conn frames messages over any net.Conn. Reads must come from a single
// goroutine; writes may be concurrent. Bytes of a partially received frame
// survive a read deadline, so a timed out read can simply be retried.
type Conn struct {
	conn     net.Conn
	maxFrame int

	pending []byte
	buf     []byte

	writeMu sync.Mutex
}

// NewConn wraps c. A non-positive maxFrame selects DefaultMaxFrameSize.
func NewConn(c net.Conn, maxFrame int) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Conn{
		conn:     c,
		maxFrame: maxFrame,
		buf:      make([]byte, readChunkSize),
	}
}

// Dial opens a TCP connection honouring ctx for the connect phase.
func Dial(ctx context.Context, addr string, maxFrame int) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(c, maxFrame), nil
}

// ReadMessage blocks until a full frame arrives.
func (c *Conn) ReadMessage() (Message, error) {
	for {
		if i := bytes.Index(c.pending, []byte(Terminator)); i >= 0 {
			if i+len(Terminator) > c.maxFrame {
				return Message{}, ErrFrameTooLarge
			}
			payload := string(c.pending[:i])
			c.pending = c.pending[i+len(Terminator):]
			return Decode(payload), nil
		}
		if len(c.pending) >= c.maxFrame {
			return Message{}, ErrFrameTooLarge
		}

		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.pending = append(c.pending, c.buf[:n]...)
			continue
		}
		if err != nil {
			return Message{}, err
		}
	}
}

// WriteMessage encodes and sends m.
func (c *Conn) WriteMessage(m Message) error {
	payload := m.Encode() + Terminator
	if len(payload) > c.maxFrame {
		return ErrFrameTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.conn, payload)
	return err
}

// Exchange sends req and waits for the next frame.
func (c *Conn) Exchange(req Message) (Message, error) {
	if err := c.WriteMessage(req); err != nil {
		return Message{}, err
	}
	return c.ReadMessage()
}

// SetDeadline sets both read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline only.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline only.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// IsTimeout reports whether err is a deadline expiry rather than a broken link.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err means the peer went away.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
