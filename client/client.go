// Package client implements Client (spec §3, component C11): the
// runtime bound to one registered identity. It owns the per-server key
// schedule derived from the registration MasterKey, the CloudConnections
// reaching the client's own Cloud, the CloudResolver for peer clouds, and
// the MessageStreamManager applications send and receive through.
// Generalizes the teacher's client2.Client (one Provider connection, one
// ratchet-keyed stream) to many server sessions and many peer streams
// fanning out from a single master key.
package client

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/aethernetio/aether-client-go/cloud"
	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/registration"
	"github.com/aethernetio/aether-client-go/resolver"
	"github.com/aethernetio/aether-client-go/safestream"
	"github.com/aethernetio/aether-client-go/serversession"
	"github.com/aethernetio/aether-client-go/streammgr"
	"github.com/aethernetio/aether-client-go/telemetry"
	"github.com/aethernetio/aether-client-go/transport"
)

// serverKeyInfo binds DeriveServerKey's HKDF info parameter to this one
// use, distinct from registration's own return-key/global-key derivations
// (spec §3 ServerKeys).
const serverKeyInfo = "aethernet server session key"

// ServerTable is Aether's shared server table (component root, spec
// §4.5): looked up to reuse an already-known Server and extended with any
// new ones this Client's own Cloud members it wasn't yet tracking.
type ServerTable interface {
	Server(id uint16) (*cloud.Server, bool)
	AddServer(s *cloud.Server)
}

// Config bundles what New needs to bring a registered identity to life.
type Config struct {
	Identity *registration.ClientConfig
	Registry *transport.Registry
	Scheme   crypto.Scheme
	Servers  ServerTable

	// StreamConfig overrides safestream.DefaultConfig() when non-nil.
	StreamConfig *safestream.Config
	// Policy selects which cloud replica outbound sends target; the zero
	// value behaves as cloud.MainServer().
	Policy cloud.RequestPolicy

	// MaxCloudConnections caps how many ServerSessions this Client's
	// CloudConnections maintains concurrently (spec §4.5 `K`). <= 0 uses
	// cloud.DefaultMaxCloudConnections.
	MaxCloudConnections int

	OnMessage func(peer streammgr.PeerUID, data []byte)
	Logger    *log.Logger

	// Telemetry receives per-Client metrics (messages sent, send
	// failures, teardowns). Defaults to telemetry.Noop{}.
	Telemetry telemetry.Sink
}

// Client is the live runtime for one registered identity.
type Client struct {
	log      *log.Logger
	identity *registration.ClientConfig

	ownCloud *cloud.Cloud
	conns    *cloud.CloudConnections
	resolver *resolver.Resolver
	streams  *streammgr.Manager

	keys  *keySchedule
	telem telemetry.Sink
}

// New brings a registered identity online: it materializes the client's
// own Cloud from Identity.Cloud (registering any server this Config's
// ServerTable doesn't already track), then wires CloudConnections,
// Resolver and the MessageStreamManager over it.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	telem := cfg.Telemetry
	if telem == nil {
		telem = telemetry.Noop{}
	}

	servers := make([]*cloud.Server, 0, len(cfg.Identity.Cloud))
	for _, sc := range cfg.Identity.Cloud {
		if s, ok := cfg.Servers.Server(sc.ServerID); ok {
			servers = append(servers, s)
			continue
		}
		s := cloud.NewServer(&cloud.ServerDescriptor{ServerID: sc.ServerID, Channels: sc.Channels})
		cfg.Servers.AddServer(s)
		servers = append(servers, s)
	}
	ownCloud := cloud.NewCloud(servers)

	conns := cloud.New(cfg.Registry, cfg.Scheme, cfg.MaxCloudConnections, logger)
	keys := newKeySchedule(cfg.Identity.MasterKey)

	res := resolver.New(ownCloud, conns, keys, cfg.Servers, logger)

	streamCfg := safestream.DefaultConfig()
	if cfg.StreamConfig != nil {
		streamCfg = *cfg.StreamConfig
	}

	mgr := streammgr.New(streammgr.Config{
		StreamConfig: streamCfg,
		Connections:  conns,
		Resolver:     res,
		Keys:         keys,
		Policy:       cfg.Policy,
		OnMessage:    cfg.OnMessage,
		Logger:       logger,
	})

	return &Client{
		log:      logger,
		identity: cfg.Identity,
		ownCloud: ownCloud,
		conns:    conns,
		resolver: res,
		streams:  mgr,
		keys:     keys,
		telem:    telem,
	}
}

// UID returns the registered identity's client UID.
func (c *Client) UID() [16]byte { return c.identity.UID }

// Send delivers data to peer, opening (or reusing) that peer's SafeStream.
func (c *Client) Send(ctx context.Context, peer streammgr.PeerUID, data []byte) error {
	stream, err := c.streams.Open(ctx, peer)
	if err != nil {
		c.telem.Count("client_send_errors", 1)
		return err
	}
	if err := stream.Write(ctx, data); err != nil {
		c.telem.Count("client_send_errors", 1)
		return err
	}
	c.telem.Count("client_messages_sent", 1)
	return nil
}

// HandleInbound routes one inbound send_message frame to the peer's
// stream, creating it on first contact (spec §4.8).
func (c *Client) HandleInbound(ctx context.Context, peer streammgr.PeerUID, frame []byte) {
	c.streams.HandleInbound(ctx, peer, frame)
}

// Close tears down peer's stream, if any.
func (c *Client) Close(peer streammgr.PeerUID) { c.streams.Close(peer) }

// CloseAll tears down every open stream, releasing this Client's
// per-peer state without affecting other Clients sharing the same
// CloudConnections/ServerTable.
func (c *Client) CloseAll() {
	c.streams.CloseAll()
	c.telem.Count("client_closed", 1)
}

// keySchedule lazily derives and caches one session key per server from
// the identity's MasterKey, satisfying both streammgr.SessionKeys and
// resolver's equivalent structural interface.
type keySchedule struct {
	masterKey [32]byte

	mu   sync.Mutex
	keys map[uint16][]byte
}

func newKeySchedule(masterKey [32]byte) *keySchedule {
	return &keySchedule{masterKey: masterKey, keys: make(map[uint16][]byte)}
}

// KeyFor returns the per-server session key for serverID, deriving and
// caching it on first use.
func (k *keySchedule) KeyFor(serverID uint16) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.keys[serverID]; ok {
		return key
	}
	key, err := crypto.DeriveServerKey(k.masterKey[:], serverID, serverKeyInfo)
	if err != nil {
		// DeriveServerKey only fails if HKDF's output is requested past
		// its expansion limit, never true for a fixed 32-byte key; a
		// caller hitting this has a corrupted MasterKey.
		panic(err)
	}
	k.keys[serverID] = key
	return key
}

// Ensure returns the CloudConnections session for server, deriving and
// caching its key on demand. CloudResolver and MessageStreamManager use
// the narrower Resolve/Open surface; this is exposed for callers that
// need the ServerSession directly (e.g. to await Linked before treating
// registration's resolved cloud as reachable). Returns
// cloud.ErrQuarantined or cloud.ErrConnectionCapReached if server can't
// be brought online right now (spec §4.5 steps 1-2).
func (c *Client) Ensure(server *cloud.Server) (*serversession.Session, error) {
	return c.conns.Ensure(server, c.keys.KeyFor(server.ID))
}
