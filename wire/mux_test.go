package wire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aethernetio/aether-client-go/crypto"
)

func TestMuxRoutesByStreamID(t *testing.T) {
	ta, tb := newPipePair()
	key := make([]byte, crypto.SessionKeySize)

	sa, err := NewSession(ta, crypto.SchemeXChaCha20Poly1305, key)
	require.NoError(t, err)
	sb, err := NewSession(tb, crypto.SchemeXChaCha20Poly1305, key)
	require.NoError(t, err)

	ma := NewMux(sa)
	mb := NewMux(sb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mb.Pump(ctx, nil)

	require.NoError(t, ma.Write(ctx, 1, []byte("on stream one")))
	require.NoError(t, ma.Write(ctx, 2, []byte("on stream two")))

	s2 := mb.Open(2)
	got2, ok := s2.Recv(ctx)
	require.True(t, ok)
	require.Equal(t, []byte("on stream two"), got2)

	s1 := mb.Open(1)
	got1, ok := s1.Recv(ctx)
	require.True(t, ok)
	require.Equal(t, []byte("on stream one"), got1)
}

func TestMuxZeroLengthFrameClosesStream(t *testing.T) {
	ta, tb := newPipePair()
	key := make([]byte, crypto.SessionKeySize)

	sa, err := NewSession(ta, crypto.SchemeXChaCha20Poly1305, key)
	require.NoError(t, err)
	sb, err := NewSession(tb, crypto.SchemeXChaCha20Poly1305, key)
	require.NoError(t, err)

	ma := NewMux(sa)
	mb := NewMux(sb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mb.Pump(ctx, nil)

	s3 := mb.Open(3)
	require.NoError(t, ma.Write(ctx, 3, nil))

	select {
	case _, ok := <-s3.in.Out():
		require.False(t, ok, "channel should be closed by zero-length frame")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream close")
	}
}
