// Package wire implements a length-prefixed message framing over byte
// streams. Each frame is a 5-byte big-endian length followed by that many
// payload bytes, with no delimiter between frames.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	prefixSize = 5

	// MaxPayload is the largest payload a 5-byte prefix can describe.
	MaxPayload = 1<<40 - 1

	// DefaultMaxRecv bounds accepted frames unless overridden with
	// SetMaxRecv. A prefix declaring more than this is a framing error,
	// never an allocation.
	DefaultMaxRecv = 1 << 31
)

// ErrPayloadTooLarge is returned by Send when the payload cannot be
// described by the length prefix.
var ErrPayloadTooLarge = errors.New("wire: payload too large")

// ErrFrameTooLarge is returned by Recv when the declared length exceeds the
// receive limit. It is fatal for that connection; the peer is either broken
// or hostile and the stream can no longer be trusted.
var ErrFrameTooLarge = errors.New("wire: frame exceeds receive limit")

// Conn frames messages over an underlying byte stream. Send is safe for
// concurrent use; Recv is not (one reader per conn).
type Conn struct {
	mu      sync.Mutex
	rw      io.ReadWriteCloser
	br      *bufio.Reader
	bw      *bufio.Writer
	maxRecv uint64
}

// New wraps an io.ReadWriteCloser in a framed connection.
func New(rw io.ReadWriteCloser) *Conn {
	return &Conn{
		rw:      rw,
		br:      bufio.NewReader(rw),
		bw:      bufio.NewWriter(rw),
		maxRecv: DefaultMaxRecv,
	}
}

// SetMaxRecv adjusts the receive limit. Zero or anything past MaxPayload
// means MaxPayload.
func (c *Conn) SetMaxRecv(n uint64) {
	if n == 0 || n > MaxPayload {
		n = MaxPayload
	}
	c.maxRecv = n
}

// Send writes one frame and flushes it to the underlying stream.
func (c *Conn) Send(payload []byte) error {
	if uint64(len(payload)) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	var prefix [prefixSize]byte
	putLen(prefix[:], uint64(len(payload)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.bw.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Recv reads one frame. If the peer closes mid-message, the bytes received
// so far are returned together with io.ErrUnexpectedEOF; callers must treat
// any short read as connection-closed, not as a valid message.
func (c *Conn) Recv() ([]byte, error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(c.br, prefix[:]); err != nil {
		return nil, err
	}
	n := parseLen(prefix[:])
	if n > c.maxRecv {
		return nil, fmt.Errorf("%w: declared %d, limit %d", ErrFrameTooLarge, n, c.maxRecv)
	}
	buf := make([]byte, n)
	rd, err := io.ReadFull(c.br, buf)
	if err != nil {
		return buf[:rd], err
	}
	return buf, nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error { return c.rw.Close() }

func putLen(b []byte, n uint64) {
	b[0] = byte(n >> 32)
	b[1] = byte(n >> 24)
	b[2] = byte(n >> 16)
	b[3] = byte(n >> 8)
	b[4] = byte(n)
}

func parseLen(b []byte) uint64 {
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 |
		uint64(b[3])<<8 | uint64(b[4])
}

// Listener accepts framed connections over TCP.
type Listener struct {
	l       net.Listener
	newCh   chan *Conn
	closeCh chan struct{}
}

// Listen starts a TCP listener at address and begins accepting in the
// background.
func Listen(address string) (*Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return newListener(l), nil
}

func newListener(l net.Listener) *Listener {
	fl := &Listener{l: l, newCh: make(chan *Conn, 8), closeCh: make(chan struct{})}
	go fl.acceptLoop()
	return fl
}

// Addr reports the bound address.
func (l *Listener) Addr() net.Addr { return l.l.Addr() }

// Accept returns the next framed connection. It fails with net.ErrClosed
// after Close.
func (l *Listener) Accept() (*Conn, error) {
	select {
	case <-l.closeCh:
		return nil, net.ErrClosed
	case c, ok := <-l.newCh:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	}
}

// Close stops the listener; pending and future Accept calls fail.
func (l *Listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return l.l.Close()
}

func (l *Listener) acceptLoop() {
	// Closing newCh lets pending Accept calls fail fast even when the
	// loop dies before Close is called. Sends only happen here, so the
	// close is safe.
	defer close(l.newCh)
	for {
		c, err := l.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-l.closeCh:
				return
			default:
			}
			// Transient accept failure (timeout, fd exhaustion);
			// back off briefly and keep the listener alive.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		select {
		case l.newCh <- New(c):
		case <-l.closeCh:
			_ = c.Close()
			return
		}
	}
}

// Dial connects to a framed TCP endpoint.
func Dial(address string) (*Conn, error) {
	c, err := net.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	return New(c), nil
}
