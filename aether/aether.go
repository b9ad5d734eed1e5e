// Package aether implements Aether (spec §4.11, component root): the
// single entry point an embedding application constructs once per
// process. It owns the shared server table, the per-identity client
// table, the transport registry, and the action.Registry scheduler that
// drives every registered actor from one goroutine (spec §5, §9 "Action
// processor"). Generalizes the teacher's top-level Client
// (cmd/catchat's wiring of disk.StateWriter + client2.Client +
// one ratchet) to many concurrently registered identities sharing one
// set of known servers.
package aether

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/aethernetio/aether-client-go/aethererr"
	"github.com/aethernetio/aether-client-go/client"
	"github.com/aethernetio/aether-client-go/cloud"
	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/dns"
	"github.com/aethernetio/aether-client-go/internal/action"
	"github.com/aethernetio/aether-client-go/internal/arena"
	"github.com/aethernetio/aether-client-go/registration"
	"github.com/aethernetio/aether-client-go/safestream"
	"github.com/aethernetio/aether-client-go/store"
	"github.com/aethernetio/aether-client-go/streammgr"
	"github.com/aethernetio/aether-client-go/telemetry"
	"github.com/aethernetio/aether-client-go/transport"
	"github.com/aethernetio/aether-client-go/transport/quic"
	"github.com/aethernetio/aether-client-go/transport/tcp"
)

// Config bundles the process-wide collaborators every registered
// identity shares.
type Config struct {
	// Registry holds the transport Builders (tcp, quic, ...) Aether
	// dials through. A nil Registry gets one pre-loaded with the default
	// Builders of both transport/tcp and transport/quic.
	Registry *transport.Registry
	Scheme   crypto.Scheme

	// DNSResolver validates/resolves a channel's hostname before it is
	// handed to a transport Builder (spec §3: "a named endpoint must be
	// resolved to IP endpoints before a transport is built"). Defaults
	// to dns.NewStdResolver(nil).
	DNSResolver dns.Resolver

	// Backend persists registered identities (spec §6.2) so RegisterAt
	// followed by a restart doesn't need LoadClient's caller to
	// re-register. A nil Backend disables persistence: RegisterAt still
	// returns a live Client, but it isn't recoverable across restarts.
	Backend store.Backend

	// Telemetry receives metrics from every component sharing this
	// Aether; defaults to telemetry.Noop{}.
	Telemetry telemetry.Sink

	Logger *log.Logger
}

// Aether is the process-wide runtime: one shared server table, one
// action.Registry, and the live Clients registered or loaded through it.
type Aether struct {
	cfg Config
	log *log.Logger

	registry *transport.Registry
	scheme   crypto.Scheme
	dns      dns.Resolver
	backend  store.Backend
	telem    telemetry.Sink

	actions *action.Registry

	// servers/clients are arenas holding every *cloud.Server and
	// *client.Client known to this Aether, each stored under an
	// arena.Handle. Other objects (a Cloud's member list, a Client's
	// connections) refer to the same values by plain pointer, not by
	// Handle. serverIndex/clientIndex are the
	// secondary by-ID lookup spec §6.2's ServerID/UID addressing needs;
	// the arena itself is handle-keyed, not ID-keyed.
	serverMu    sync.RWMutex
	servers     *arena.Arena[*cloud.Server]
	serverIndex map[uint16]arena.Handle

	clientMu    sync.RWMutex
	clients     *arena.Arena[*client.Client]
	clientIndex map[[16]byte]arena.Handle
}

// New constructs an Aether from cfg, filling in defaults for every unset
// collaborator.
func New(cfg Config) *Aether {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		// Both shipped adapters by default: tcp for the reliable-stream
		// baseline (spec §6.1), quic for a genuinely unreliable substrate
		// that exercises SafeStream's own retransmission (spec §4.7)
		// rather than relying on TCP's.
		registry = transport.NewRegistry(tcp.NewBuilder(), quic.NewBuilder(nil))
	}
	resolver := cfg.DNSResolver
	if resolver == nil {
		resolver = dns.NewStdResolver(nil)
	}
	backend := cfg.Backend
	telem := cfg.Telemetry
	if telem == nil {
		telem = telemetry.Noop{}
	}

	return &Aether{
		cfg:         cfg,
		log:         logger,
		registry:    registry,
		scheme:      cfg.Scheme,
		dns:         resolver,
		backend:     backend,
		telem:       telem,
		actions:     action.New(),
		servers:     arena.New[*cloud.Server](),
		serverIndex: make(map[uint16]arena.Handle),
		clients:     arena.New[*client.Client](),
		clientIndex: make(map[[16]byte]arena.Handle),
	}
}

// Run drives Aether's action.Registry scheduler until ctx is cancelled.
// It's meant to be called from exactly one long-lived goroutine; none of
// the actors Aether's Clients build (ServerSession, SafeStream,
// Registration) currently register themselves as action.Tasks — each
// still schedules its own timers via internal/worker/internal/timerqueue,
// predating this package. Run exists as the extension point spec §9
// describes; wiring those actors through it is future work, noted rather
// than faked with placeholder Task registrations that don't reflect how
// the rest of the module actually schedules itself.
func (a *Aether) Run(ctx context.Context) { a.actions.Drive(ctx) }

// Server returns a known server by ID, satisfying both client.ServerTable
// and resolver.ServerTable's identical structural contract.
func (a *Aether) Server(id uint16) (*cloud.Server, bool) {
	a.serverMu.RLock()
	defer a.serverMu.RUnlock()
	h, ok := a.serverIndex[id]
	if !ok {
		return nil, false
	}
	return a.servers.Get(h)
}

// AddServer registers s in the shared server table, keyed by s.ID. A
// previous entry for the same ID is dropped from the arena first, so
// re-adding a server (e.g. on a fresh PKI descriptor) doesn't leak the
// old *cloud.Server's arena slot.
func (a *Aether) AddServer(s *cloud.Server) {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	if old, ok := a.serverIndex[s.ID]; ok {
		a.servers.Drop(old)
	}
	a.serverIndex[s.ID] = a.servers.Put(s)
}

// Client returns a registered identity's live Client, if it's been
// brought online this process (via RegisterAt or LoadClient).
func (a *Aether) Client(uid [16]byte) (*client.Client, bool) {
	a.clientMu.RLock()
	defer a.clientMu.RUnlock()
	h, ok := a.clientIndex[uid]
	if !ok {
		return nil, false
	}
	return a.clients.Get(h)
}

// RegisterAt runs the one-time bootstrap state machine (spec §4.10)
// against regCfg, persists the resulting identity to Backend (if
// configured), and brings it online as a Client. regCfg.Registry and
// regCfg.Scheme are overwritten with Aether's own, so registration dials
// through the same transport adapters and wire scheme every other
// Client uses.
func (a *Aether) RegisterAt(ctx context.Context, regCfg registration.Config, streamCfg *safestream.Config, onMessage func(peer streammgr.PeerUID, data []byte)) (*client.Client, error) {
	regCfg.Registry = a.registry
	regCfg.Scheme = a.scheme
	if regCfg.Logger == nil {
		regCfg.Logger = a.log
	}

	reg := registration.New(regCfg)
	identity, err := reg.Run(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.resolveIdentityChannels(ctx, identity); err != nil {
		return nil, err
	}

	if a.backend != nil {
		if err := store.SaveIdentity(a.backend, identity); err != nil {
			return nil, err
		}
	}

	a.telem.Count("aether_registrations", 1)
	return a.bringOnline(identity, streamCfg, onMessage), nil
}

// resolveIdentityChannels pre-resolves every channel hostname in
// identity's own Cloud (spec §3: "a named endpoint must be resolved to IP
// endpoints before a transport is built"), surfacing a bad hostname as a
// RegistrationError right after registration rather than as an opaque
// dial failure the first time a Client tries to use that server.
func (a *Aether) resolveIdentityChannels(ctx context.Context, identity *registration.ClientConfig) error {
	for _, sc := range identity.Cloud {
		for _, ch := range sc.Channels {
			if _, err := a.dns.Resolve(ctx, ch.Host); err != nil {
				return aethererr.NewRegistrationError("resolve-channels", err)
			}
		}
	}
	return nil
}

// LoadClient reloads a previously registered identity from Backend and
// brings it online as a Client. Returns aethererr.ErrNotRegistered if no
// Backend is configured or no record exists for uid.
func (a *Aether) LoadClient(uid [16]byte, streamCfg *safestream.Config, onMessage func(peer streammgr.PeerUID, data []byte)) (*client.Client, error) {
	if a.backend == nil {
		return nil, aethererr.ErrNotRegistered
	}
	identity, err := store.LoadIdentity(a.backend, uid)
	if err != nil {
		return nil, aethererr.ErrNotRegistered
	}
	return a.bringOnline(identity, streamCfg, onMessage), nil
}

func (a *Aether) bringOnline(identity *registration.ClientConfig, streamCfg *safestream.Config, onMessage func(peer streammgr.PeerUID, data []byte)) *client.Client {
	c := client.New(client.Config{
		Identity:     identity,
		Registry:     a.registry,
		Scheme:       a.scheme,
		Servers:      a,
		StreamConfig: streamCfg,
		OnMessage:    onMessage,
		Logger:       a.log,
		Telemetry:    a.telem,
	})

	a.clientMu.Lock()
	if old, ok := a.clientIndex[identity.UID]; ok {
		a.clients.Drop(old)
	}
	a.clientIndex[identity.UID] = a.clients.Put(c)
	a.clientMu.Unlock()

	return c
}

// CloseClient tears down a registered identity's Client and drops it from
// Aether's client table (and its arena slot — spec §9's "dropping the
// arena slot frees the value" contract applies per-entry, not just at
// process teardown). The identity's persisted record, if any, is
// untouched — a later LoadClient brings it back online.
func (a *Aether) CloseClient(uid [16]byte) {
	a.clientMu.Lock()
	h, ok := a.clientIndex[uid]
	var c *client.Client
	if ok {
		c, _ = a.clients.Get(h)
		a.clients.Drop(h)
		delete(a.clientIndex, uid)
	}
	a.clientMu.Unlock()

	if ok {
		c.CloseAll()
	}
}
