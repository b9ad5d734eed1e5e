package serversession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/transport"
	"github.com/aethernetio/aether-client-go/wire"
)

// pipeTransport mirrors wire's test helper; duplicated here since the
// wire package's is unexported and this is the serversession boundary.
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

type fixedDialer struct {
	t   transport.Transport
	err error
}

func (d *fixedDialer) Dial(ctx context.Context) (transport.Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.t, nil
}

// serverEcho answers the handshake exchange serversession.handshake
// performs against a peer CryptoSession, standing in for the far end
// (a real Aether server) in these tests.
func serverEcho(t *testing.T, sess *wire.Session) {
	ctx := context.Background()
	pt, err := sess.Recv(ctx)
	require.NoError(t, err)
	call, err := wire.DecodeApiCall(pt)
	require.NoError(t, err)
	require.Equal(t, wire.MethodCheckAccess, call.Method)
	reply := wire.ApiCall{Method: wire.MethodCheckAccess, Args: []byte("ok")}.Encode()
	require.NoError(t, sess.Send(ctx, reply))
}

func TestSessionReachesLinkedOnSuccessfulHandshake(t *testing.T) {
	ta, tb := newPipePair()
	key := make([]byte, crypto.SessionKeySize)

	peer, err := wire.NewSession(tb, crypto.SchemeXChaCha20Poly1305, key)
	require.NoError(t, err)
	go serverEcho(t, peer)

	s := New(1, &fixedDialer{t: ta}, crypto.SchemeXChaCha20Poly1305, key, nil)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.State() == Linked
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionConnectingOrFailingOnDialError(t *testing.T) {
	s := New(1, &fixedDialer{err: errors.New("dial failed")}, crypto.SchemeXChaCha20Poly1305, make([]byte, crypto.SessionKeySize), nil)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		st := s.State()
		return st == Connecting || st == Failing
	}, time.Second, 5*time.Millisecond)
}

func TestCallFailsWhenNotLinked(t *testing.T) {
	s := New(1, &fixedDialer{err: errors.New("down")}, crypto.SchemeXChaCha20Poly1305, make([]byte, crypto.SessionKeySize), nil)
	_, err := s.Call(context.Background(), wire.ApiCall{Method: wire.MethodSendMessage})
	require.Error(t, err)
}
