package wire

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
)

func pipePair() (*Conn, *Conn) {
	a, b := net.Pipe()
	return New(a), New(b)
}

func TestRoundTripSizes(t *testing.T) {
	sizes := []int{0, 1, 1 << 20}
	for _, n := range sizes {
		a, b := pipePair()
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 31)
		}
		errCh := make(chan error, 1)
		go func() { errCh <- a.Send(payload) }()
		got, err := b.Recv()
		if err != nil {
			t.Fatalf("size %d: recv: %v", n, err)
		}
		if err := <-errCh; err != nil {
			t.Fatalf("size %d: send: %v", n, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("size %d: payload mismatch", n)
		}
		a.Close()
		b.Close()
	}
}

func TestBackToBackFrames(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	msgs := [][]byte{[]byte("first"), {}, []byte("third")}
	go func() {
		for _, m := range msgs {
			if err := a.Send(m); err != nil {
				return
			}
		}
	}()
	for i, want := range msgs {
		got, err := b.Recv()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %q want %q", i, got, want)
		}
	}
}

func TestShortReadSignalsClosed(t *testing.T) {
	ac, bc := net.Pipe()
	b := New(bc)

	// Declare 10 bytes but deliver only 4 before closing.
	go func() {
		ac.Write([]byte{0, 0, 0, 0, 10})
		ac.Write([]byte("part"))
		ac.Close()
	}()

	got, err := b.Recv()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
	if string(got) != "part" {
		t.Fatalf("expected partial bytes back, got %q", got)
	}
}

func TestRecvRejectsOversizedFrame(t *testing.T) {
	ac, bc := net.Pipe()
	defer ac.Close()
	b := New(bc)

	// A hostile peer declares the maximum representable length. Recv must
	// reject the prefix instead of allocating a terabyte buffer.
	go ac.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	_, err := b.Recv()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestSetMaxRecv(t *testing.T) {
	ac, bc := net.Pipe()
	a, b := New(ac), New(bc)
	defer a.Close()
	defer b.Close()

	b.SetMaxRecv(8)

	go a.Send(make([]byte, 9))
	if _, err := b.Recv(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge above limit, got %v", err)
	}

	// A rejected frame poisons the stream, so the reset case gets a
	// fresh pair. Zero restores the protocol maximum.
	a2, b2 := pipePair()
	defer a2.Close()
	defer b2.Close()
	b2.SetMaxRecv(0)
	go a2.Send(make([]byte, 9))
	if _, err := b2.Recv(); err != nil {
		t.Fatalf("recv after reset: %v", err)
	}
}

func TestPrefixRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 255, 256, 1 << 20, MaxPayload} {
		var b [prefixSize]byte
		putLen(b[:], n)
		if got := parseLen(b[:]); got != n {
			t.Fatalf("length %d round-tripped to %d", n, got)
		}
	}
}

// flakyListener fails its first Accept with a transient error, hands out
// one real conn, then blocks until closed.
type flakyListener struct {
	conn   net.Conn
	failed bool
	done   chan struct{}
}

func (f *flakyListener) Accept() (net.Conn, error) {
	if !f.failed {
		f.failed = true
		return nil, &net.OpError{Op: "accept", Err: errors.New("too many open files")}
	}
	if f.conn != nil {
		c := f.conn
		f.conn = nil
		return c, nil
	}
	<-f.done
	return nil, net.ErrClosed
}

func (f *flakyListener) Close() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}

func (f *flakyListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero}
}

func TestAcceptSurvivesTransientError(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	l := newListener(&flakyListener{conn: server, done: make(chan struct{})})
	defer l.Close()

	// The loop must retry past the first failed Accept and still deliver
	// the connection instead of terminating.
	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("accept after transient error: %v", err)
	}
	defer conn.Close()
}

func TestAcceptFailsFastWhenLoopExits(t *testing.T) {
	fl := &flakyListener{done: make(chan struct{})}
	l := newListener(fl)

	fl.Close()
	if _, err := l.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed once the loop exits, got %v", err)
	}
}

func TestListenerAcceptAndClose(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	conn, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	srv, err := l.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer srv.Close()

	go conn.Send([]byte("hello"))
	got, err := srv.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}

	// Closing the listener terminates Accept instead of erroring fatally.
	l.Close()
	if _, err := l.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed after close, got %v", err)
	}
}
