package cloud

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/transport"
)

func newTestConnections(t *testing.T, k int) *CloudConnections {
	t.Helper()
	cc := New(transport.NewRegistry(), crypto.SchemeXChaCha20Poly1305, k, nil)
	t.Cleanup(cc.StopAll)
	return cc
}

// channelless servers dial-fail instantly (PreferredChannel returns nil,
// channelDialer.Dial returns transport.ErrNoChannel), so Ensure can be
// exercised without a live transport.
func channellessServer(id uint16) *Server {
	return NewServer(&ServerDescriptor{ServerID: id})
}

func TestEnsureCapsSelectedAtK(t *testing.T) {
	cc := newTestConnections(t, 2)

	_, err := cc.Ensure(channellessServer(1), nil)
	require.NoError(t, err)
	_, err = cc.Ensure(channellessServer(2), nil)
	require.NoError(t, err)
	_, err = cc.Ensure(channellessServer(3), nil)
	require.ErrorIs(t, err, ErrConnectionCapReached)

	require.Len(t, cc.Selected(), 2)
}

func TestEnsureReusesExistingSession(t *testing.T) {
	cc := newTestConnections(t, 2)

	s1, err := cc.Ensure(channellessServer(1), nil)
	require.NoError(t, err)
	s2, err := cc.Ensure(channellessServer(1), nil)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Len(t, cc.Selected(), 1)
}

func TestOnDeadRemovesFromSelectedAndQuarantines(t *testing.T) {
	cc := newTestConnections(t, 4)

	_, err := cc.Ensure(channellessServer(9), nil)
	require.NoError(t, err)
	require.Len(t, cc.Selected(), 1)

	cc.onDead(9)

	require.Empty(t, cc.Selected())
	require.True(t, cc.IsQuarantined(9))
	_, ok := cc.Get(9)
	require.False(t, ok)
}

func TestEnsureReturnsErrQuarantined(t *testing.T) {
	cc := newTestConnections(t, 4)

	_, err := cc.Ensure(channellessServer(5), nil)
	require.NoError(t, err)
	cc.onDead(5)

	_, err = cc.Ensure(channellessServer(5), nil)
	require.ErrorIs(t, err, ErrQuarantined)
}

func TestQuarantineBackoffDoublesPerFailure(t *testing.T) {
	require.Equal(t, quarantineBase, quarantineBackoff(1))
	require.Equal(t, 2*quarantineBase, quarantineBackoff(2))
	require.Equal(t, 4*quarantineBase, quarantineBackoff(3))
	require.Equal(t, quarantineCap, quarantineBackoff(20))
}

func TestQuarantineReleasesAfterDeadline(t *testing.T) {
	cc := newTestConnections(t, 4)

	cc.mu.Lock()
	cc.quarantined[11] = time.Now().Add(-time.Second)
	cc.mu.Unlock()

	require.False(t, cc.IsQuarantined(11))

	_, err := cc.Ensure(channellessServer(11), nil)
	require.NoError(t, err)
}

func TestVisitServersAppliesPolicyToSelected(t *testing.T) {
	cc := newTestConnections(t, 4)

	cc.mu.Lock()
	cc.selected = []uint16{1, 2, 3}
	cc.mu.Unlock()

	var visited []uint16
	cc.VisitServers(MainServer(), func(id uint16) { visited = append(visited, id) })
	require.Equal(t, []uint16{1}, visited)

	visited = nil
	cc.VisitServers(Replica(2), func(id uint16) { visited = append(visited, id) })
	require.Equal(t, []uint16{1, 2}, visited)

	visited = nil
	cc.VisitServers(All(), func(id uint16) { visited = append(visited, id) })
	require.Equal(t, []uint16{1, 2, 3}, visited)
}

func TestRestreamClearsSelectedWithoutQuarantining(t *testing.T) {
	cc := newTestConnections(t, 4)

	_, err := cc.Ensure(channellessServer(1), nil)
	require.NoError(t, err)
	_, err = cc.Ensure(channellessServer(2), nil)
	require.NoError(t, err)

	cc.Restream()

	require.Empty(t, cc.Selected())
	_, ok := cc.Get(1)
	require.False(t, ok)
	require.False(t, cc.IsQuarantined(1))

	_, err = cc.Ensure(channellessServer(1), nil)
	require.NoError(t, err)
}

func TestSelectedNeverExceedsK(t *testing.T) {
	const k = 3
	cc := newTestConnections(t, k)

	for id := uint16(1); id <= 10; id++ {
		_, _ = cc.Ensure(channellessServer(id), nil)
		require.LessOrEqual(t, len(cc.Selected()), k)
	}
}
