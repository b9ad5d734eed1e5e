// Package tcp is the default stream-oriented Transport adapter, built on
// net.Dialer the same way the teacher's client2/connection.go dials its
// Provider link (defaultDialer with KeepAlive/Timeout), generalized from
// "dial the Provider" to "dial any Endpoint".
package tcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aethernetio/aether-client-go/transport"
)

const (
	keepAliveInterval = 3 * time.Minute
	connectTimeout    = 1 * time.Minute

	// maxFrameSize bounds a single length-delimited frame so a corrupt or
	// hostile length prefix cannot cause an unbounded allocation.
	maxFrameSize = 1 << 20
)

// Builder dials plain TCP connections.
type Builder struct {
	Dialer net.Dialer
}

// NewBuilder constructs a Builder with the teacher's default dial
// parameters.
func NewBuilder() *Builder {
	return &Builder{Dialer: net.Dialer{KeepAlive: keepAliveInterval, Timeout: connectTimeout}}
}

func (b *Builder) Name() string { return "tcp" }

func (b *Builder) Dial(ctx context.Context, ep transport.Endpoint) (transport.Transport, error) {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(int(ep.Port)))
	conn, err := b.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transportErr(err)
	}
	return newConn(conn), nil
}

// Transport wraps a net.Conn as a length-delimited frame channel (spec
// §6.1 "Framing over a connection-oriented transport": uint32 be length
// prefix).
type Transport struct {
	conn net.Conn

	mu       sync.Mutex
	info     transport.Info
	updates  chan transport.Info
	closed   chan struct{}
	closeErr error
}

func newConn(conn net.Conn) *Transport {
	t := &Transport{
		conn:    conn,
		info:    transport.Info{LinkState: transport.LinkLinked, MaxPacketSize: maxFrameSize, Reliable: true},
		updates: make(chan transport.Info, 4),
		closed:  make(chan struct{}),
	}
	t.updates <- t.info
	return t
}

func (t *Transport) Write(ctx context.Context, p []byte) (transport.SendStatus, error) {
	if len(p) > maxFrameSize {
		return transport.Failed, io.ErrShortWrite
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(hdr[:]); err != nil {
		t.fail(err)
		return transport.Failed, transportErr(err)
	}
	if _, err := t.conn.Write(p); err != nil {
		t.fail(err)
		return transport.Failed, transportErr(err)
	}
	return transport.Sent, nil
}

func (t *Transport) Read(ctx context.Context) (transport.Frame, error) {
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetReadDeadline(dl)
		defer t.conn.SetReadDeadline(time.Time{})
	}
	var hdr [4]byte
	if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
		t.fail(err)
		return transport.Frame{}, transportErr(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		t.fail(io.ErrShortBuffer)
		return transport.Frame{}, transportErr(io.ErrShortBuffer)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		t.fail(err)
		return transport.Frame{}, transportErr(err)
	}
	return transport.Frame{Bytes: buf, Recv: time.Now()}, nil
}

func (t *Transport) Updates() <-chan transport.Info { return t.updates }

func (t *Transport) Info() transport.Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

func (t *Transport) Close() error {
	t.fail(io.EOF)
	return t.conn.Close()
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return
	default:
	}
	close(t.closed)
	t.closeErr = err
	t.info = transport.Info{LinkState: transport.LinkError, MaxPacketSize: t.info.MaxPacketSize, Reliable: true}
	select {
	case t.updates <- t.info:
	default:
	}
}

func transportErr(err error) error { return err }
