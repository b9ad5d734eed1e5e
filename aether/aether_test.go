package aether

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aethernetio/aether-client-go/aethererr"
	"github.com/aethernetio/aether-client-go/cloud"
	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/registration"
	"github.com/aethernetio/aether-client-go/store"
	"github.com/aethernetio/aether-client-go/transport"
)

type fakeDNS struct {
	fail map[string]bool
}

func (f *fakeDNS) Resolve(_ context.Context, host string) ([]net.IP, error) {
	if f.fail[host] {
		return nil, errors.New("no such host")
	}
	return []net.IP{net.IPv4(127, 0, 0, 1)}, nil
}

func identityFixture() *registration.ClientConfig {
	cfg := &registration.ClientConfig{
		Cloud: []registration.ServerConfig{
			{ServerID: 1, Channels: []cloud.ChannelDescriptor{{Proto: "tcp", Host: "a.example", Port: 1}}},
		},
	}
	for i := range cfg.UID {
		cfg.UID[i] = byte(i + 1)
	}
	for i := range cfg.MasterKey {
		cfg.MasterKey[i] = byte(i + 2)
	}
	return cfg
}

func newTestAether(backend store.Backend, resolver *fakeDNS) *Aether {
	return New(Config{
		Registry:    transport.NewRegistry(),
		Scheme:      crypto.SchemeXChaCha20Poly1305,
		DNSResolver: resolver,
		Backend:     backend,
	})
}

func TestAddServerAndLookup(t *testing.T) {
	a := newTestAether(nil, &fakeDNS{})
	s := cloud.NewServer(&cloud.ServerDescriptor{ServerID: 5})
	a.AddServer(s)

	got, ok := a.Server(5)
	require.True(t, ok)
	require.Same(t, s, got)

	_, ok = a.Server(6)
	require.False(t, ok)
}

func TestBringOnlineRegistersInClientTable(t *testing.T) {
	a := newTestAether(nil, &fakeDNS{})
	identity := identityFixture()

	c := a.bringOnline(identity, nil, nil)
	require.Equal(t, identity.UID, c.UID())

	got, ok := a.Client(identity.UID)
	require.True(t, ok)
	require.Same(t, c, got)
}

func TestAddServerReplacesExistingHandle(t *testing.T) {
	a := newTestAether(nil, &fakeDNS{})
	first := cloud.NewServer(&cloud.ServerDescriptor{ServerID: 5})
	a.AddServer(first)

	second := cloud.NewServer(&cloud.ServerDescriptor{ServerID: 5})
	a.AddServer(second)

	got, ok := a.Server(5)
	require.True(t, ok)
	require.Same(t, second, got)
	require.Equal(t, 1, a.servers.Len())
}

func TestCloseClientRemovesFromTable(t *testing.T) {
	a := newTestAether(nil, &fakeDNS{})
	identity := identityFixture()
	a.bringOnline(identity, nil, nil)

	a.CloseClient(identity.UID)
	_, ok := a.Client(identity.UID)
	require.False(t, ok)
}

func TestLoadClientWithoutBackendFails(t *testing.T) {
	a := newTestAether(nil, &fakeDNS{})
	_, err := a.LoadClient([16]byte{1}, nil, nil)
	require.ErrorIs(t, err, aethererr.ErrNotRegistered)
}

func TestLoadClientRoundTripsThroughBackend(t *testing.T) {
	backend := store.NewRam([]byte("pass"))
	identity := identityFixture()
	require.NoError(t, store.SaveIdentity(backend, identity))

	a := newTestAether(backend, &fakeDNS{})
	c, err := a.LoadClient(identity.UID, nil, nil)
	require.NoError(t, err)
	require.Equal(t, identity.UID, c.UID())
}

func TestResolveIdentityChannelsFailsOnBadHost(t *testing.T) {
	a := newTestAether(nil, &fakeDNS{fail: map[string]bool{"a.example": true}})
	err := a.resolveIdentityChannels(context.Background(), identityFixture())
	require.Error(t, err)
	var regErr *aethererr.RegistrationError
	require.ErrorAs(t, err, &regErr)
}

func TestResolveIdentityChannelsSucceeds(t *testing.T) {
	a := newTestAether(nil, &fakeDNS{})
	require.NoError(t, a.resolveIdentityChannels(context.Background(), identityFixture()))
}
