package wire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/transport"
)

// pipeTransport is an in-memory, unbuffered-ish Transport used to exercise
// Session/Mux without a real socket, in the same spirit as the teacher's
// mock composer/sender types in client2/arq_test.go.
type pipeTransport struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (a, b *pipeTransport) {
	c1 := make(chan []byte, 16)
	c2 := make(chan []byte, 16)
	return &pipeTransport{out: c1, in: c2}, &pipeTransport{out: c2, in: c1}
}

func (p *pipeTransport) Write(ctx context.Context, b []byte) (transport.SendStatus, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	p.out <- cp
	return transport.Sent, nil
}

func (p *pipeTransport) Read(ctx context.Context) (transport.Frame, error) {
	select {
	case b := <-p.in:
		return transport.Frame{Bytes: b}, nil
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (p *pipeTransport) Updates() <-chan transport.Info { return nil }
func (p *pipeTransport) Info() transport.Info {
	return transport.Info{LinkState: transport.LinkLinked, MaxPacketSize: 4096, Reliable: true}
}
func (p *pipeTransport) Close() error { return nil }

func TestSessionSendRecvRoundTrip(t *testing.T) {
	ta, tb := newPipePair()
	key := make([]byte, crypto.SessionKeySize)
	for i := range key {
		key[i] = byte(i)
	}

	sa, err := NewSession(ta, crypto.SchemeXChaCha20Poly1305, key)
	require.NoError(t, err)
	sb, err := NewSession(tb, crypto.SchemeXChaCha20Poly1305, key)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sa.Send(ctx, []byte("ping")))

	got, err := sb.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)
}

func TestSessionRejectsReplay(t *testing.T) {
	ta, tb := newPipePair()
	key := make([]byte, crypto.SessionKeySize)

	sa, err := NewSession(ta, crypto.SchemeXChaCha20Poly1305, key)
	require.NoError(t, err)
	sb, err := NewSession(tb, crypto.SchemeXChaCha20Poly1305, key)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sa.Send(ctx, []byte("msg")))

	ct := <-tb.in
	tb.in <- ct // replay the same ciphertext a second time

	_, err = sb.Recv(ctx)
	require.NoError(t, err)

	_, err = sb.Recv(ctx)
	require.Error(t, err)
}

func TestSessionRejectsBadKey(t *testing.T) {
	ta, tb := newPipePair()
	keyA := make([]byte, crypto.SessionKeySize)
	keyB := make([]byte, crypto.SessionKeySize)
	keyB[0] = 1

	sa, err := NewSession(ta, crypto.SchemeXChaCha20Poly1305, keyA)
	require.NoError(t, err)
	sb, err := NewSession(tb, crypto.SchemeXChaCha20Poly1305, keyB)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sa.Send(ctx, []byte("msg")))

	_, err = sb.Recv(ctx)
	require.Error(t, err)
}
