package streammgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aethernetio/aether-client-go/cloud"
	"github.com/aethernetio/aether-client-go/safestream"
)

type fixedResolver struct {
	cloudObj *cloud.Cloud
	err      error
}

func (r *fixedResolver) Resolve(ctx context.Context, peer PeerUID) (*cloud.Cloud, error) {
	return r.cloudObj, r.err
}

type zeroKeys struct{}

func (zeroKeys) KeyFor(serverID uint16) []byte { return make([]byte, 32) }

func newTestManager(t *testing.T, onMsg func(PeerUID, []byte), onNew func(PeerUID, *safestream.Stream)) *Manager {
	t.Helper()
	cloudObj := cloud.NewCloud(nil)
	conns := cloud.New(nil, nil, 0, nil)
	m := New(Config{
		StreamConfig: safestream.DefaultConfig(),
		Connections:  conns,
		Resolver:     &fixedResolver{cloudObj: cloudObj},
		Keys:         zeroKeys{},
		OnMessage:    onMsg,
		OnNewStream:  onNew,
	})
	t.Cleanup(m.CloseAll)
	return m
}

func TestOpenIsIdempotentForSamePeer(t *testing.T) {
	m := newTestManager(t, nil, nil)
	var peer PeerUID
	peer[0] = 1

	s1, err := m.Open(context.Background(), peer)
	require.NoError(t, err)
	s2, err := m.Open(context.Background(), peer)
	require.NoError(t, err)
	require.Same(t, s1, s2)
}

func TestOpenCreatesDistinctStreamsPerPeer(t *testing.T) {
	m := newTestManager(t, nil, nil)
	var p1, p2 PeerUID
	p1[0], p2[0] = 1, 2

	s1, err := m.Open(context.Background(), p1)
	require.NoError(t, err)
	s2, err := m.Open(context.Background(), p2)
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
}

func TestPurgeEvictsClosedStreamOnAccess(t *testing.T) {
	m := newTestManager(t, nil, nil)
	var peer PeerUID
	peer[0] = 9

	s1, err := m.Open(context.Background(), peer)
	require.NoError(t, err)
	s1.Stop()

	s2, err := m.Open(context.Background(), peer)
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
}

func TestHandleInboundFiresOnNewStreamOnce(t *testing.T) {
	var mu sync.Mutex
	var newCount int
	msgCh := make(chan []byte, 4)

	m := newTestManager(t,
		func(peer PeerUID, data []byte) { msgCh <- data },
		func(peer PeerUID, s *safestream.Stream) {
			mu.Lock()
			newCount++
			mu.Unlock()
		},
	)
	var peer PeerUID
	peer[0] = 5

	frame := safestream.EncodeData(safestream.DataFrame{Seq: 0, Offset: 0, Total: 1, Bytes: []byte("hi")})
	m.HandleInbound(context.Background(), peer, frame)
	m.HandleInbound(context.Background(), peer, frame) // duplicate, same peer: no second new-stream event

	select {
	case data := <-msgCh:
		require.Equal(t, []byte("hi"), data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reassembled message")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, newCount)
}

func TestCloseStopsAndEvictsStream(t *testing.T) {
	m := newTestManager(t, nil, nil)
	var peer PeerUID
	peer[0] = 3

	s, err := m.Open(context.Background(), peer)
	require.NoError(t, err)
	m.Close(peer)
	require.True(t, s.Closed())

	s2, err := m.Open(context.Background(), peer)
	require.NoError(t, err)
	require.NotSame(t, s, s2)
}
