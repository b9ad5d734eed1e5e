// Package streammgr implements MessageStreamManager (spec §4.8, component
// C8): the per-client peer_uid -> SafeStream registry sitting between the
// application and CloudConnections/CloudRequest.
package streammgr

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/aethernetio/aether-client-go/cloud"
	"github.com/aethernetio/aether-client-go/safestream"
	"github.com/aethernetio/aether-client-go/wire"
)

// PeerUID identifies the remote client a SafeStream talks to.
type PeerUID = [16]byte

// Resolver locates the Cloud currently serving a peer UID (component C9,
// spec §4.9); streammgr depends only on this narrow contract to avoid an
// import cycle with the resolver package, which itself depends on cloud.
type Resolver interface {
	Resolve(ctx context.Context, peer PeerUID) (*cloud.Cloud, error)
}

// SessionKeys returns the per-server keys a Client has derived, used to
// key CloudConnections.Ensure for whichever servers a Request targets.
type SessionKeys interface {
	KeyFor(serverID uint16) []byte
}

type entry struct {
	stream *safestream.Stream
}

// Manager is MessageStreamManager: a plain peer_uid -> *SafeStream map
// guarded by a single mutex (spec §4.8 notes the single-threaded model
// needs no finer locking), generalizing the same per-key registry shape
// the teacher's wire.Mux uses for per-stream-ID inbound queues.
type Manager struct {
	log         *log.Logger
	cfg         safestream.Config
	conns       *cloud.CloudConnections
	resolver    Resolver
	keys        SessionKeys
	policy      cloud.RequestPolicy

	mu      sync.Mutex
	streams map[PeerUID]*entry

	onNewStream func(peer PeerUID, stream *safestream.Stream)
	onMessage   func(peer PeerUID, data []byte)
}

// Config bundles the dependencies New needs, kept together rather than as
// a long positional parameter list since Client is the only constructor
// call site and already holds all of these.
type Config struct {
	StreamConfig safestream.Config
	Connections  *cloud.CloudConnections
	Resolver     Resolver
	Keys         SessionKeys
	// Policy selects which cloud members an outbound send_message call
	// targets; defaults to cloud.MainServer() when unset.
	Policy RequestPolicyOrNil
	OnNewStream func(peer PeerUID, stream *safestream.Stream)
	OnMessage   func(peer PeerUID, data []byte)
	Logger      *log.Logger
}

// RequestPolicyOrNil lets callers omit Policy without importing cloud's
// zero-value RequestPolicy by name; the zero value of cloud.RequestPolicy
// already behaves as MainServer(), so this is simply cloud.RequestPolicy.
type RequestPolicyOrNil = cloud.RequestPolicy

// New constructs a Manager. onNewStream fires once per peer the first
// time an inbound frame arrives for a peer with no existing stream (spec
// §4.8); onMessage fires once per fully reassembled inbound message,
// regardless of direction.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		log:         logger,
		cfg:         cfg.StreamConfig,
		conns:       cfg.Connections,
		resolver:    cfg.Resolver,
		keys:        cfg.Keys,
		policy:      cfg.Policy,
		streams:     make(map[PeerUID]*entry),
		onNewStream: cfg.OnNewStream,
		onMessage:   cfg.OnMessage,
	}
}

// Open returns the existing SafeStream for peer after purging dead
// entries, or resolves peer's cloud and wires a fresh one (spec §4.8:
// "open(u).open(u) identity" — repeated calls for the same live peer
// return the same *Stream).
func (m *Manager) Open(ctx context.Context, peer PeerUID) (*safestream.Stream, error) {
	m.mu.Lock()
	m.purgeLocked()
	if e, ok := m.streams[peer]; ok {
		m.mu.Unlock()
		return e.stream, nil
	}
	m.mu.Unlock()

	return m.openNew(ctx, peer)
}

// purgeLocked evicts entries whose stream has already reported Closed,
// matching spec §4.8's "weak-reference purge-on-access" invariant without
// needing an actual weak pointer: a Stopped Stream behaves the same as a
// collected one from the Manager's point of view.
func (m *Manager) purgeLocked() {
	for peer, e := range m.streams {
		if e.stream.Closed() {
			delete(m.streams, peer)
		}
	}
}

func (m *Manager) openNew(ctx context.Context, peer PeerUID) (*safestream.Stream, error) {
	cloudObj, err := m.resolver.Resolve(ctx, peer)
	if err != nil {
		return nil, err
	}

	sender := &apiSender{
		peer:     peer,
		cloudObj: cloudObj,
		conns:    m.conns,
		keys:     m.keys,
		policy:   m.policy,
	}
	s := safestream.New(m.cfg, sender, func(data []byte) {
		if m.onMessage != nil {
			m.onMessage(peer, data)
		}
	}, m.log)
	s.Start()

	m.mu.Lock()
	// Another goroutine may have raced us to create this peer's stream;
	// prefer whichever one is already registered and stop ours.
	if e, ok := m.streams[peer]; ok && !e.stream.Closed() {
		m.mu.Unlock()
		s.Stop()
		return e.stream, nil
	}
	m.streams[peer] = &entry{stream: s}
	m.mu.Unlock()
	return s, nil
}

// HandleInbound routes one received SafeFrame (the user `data` of a
// send_message / send_message_event) to peer's stream, creating it (and
// firing onNewStream before feeding it the frame) if this is the first
// frame seen from peer (spec §4.8).
func (m *Manager) HandleInbound(ctx context.Context, peer PeerUID, frame []byte) {
	m.mu.Lock()
	m.purgeLocked()
	e, ok := m.streams[peer]
	m.mu.Unlock()

	if !ok {
		s, err := m.openNew(ctx, peer)
		if err != nil {
			m.log.Warnf("streammgr: could not open stream for inbound peer: %v", err)
			return
		}
		if m.onNewStream != nil {
			m.onNewStream(peer, s)
		}
		s.HandleIncoming(ctx, frame)
		return
	}
	e.stream.HandleIncoming(ctx, frame)
}

// Close stops and evicts peer's stream if one exists.
func (m *Manager) Close(peer PeerUID) {
	m.mu.Lock()
	e, ok := m.streams[peer]
	if ok {
		delete(m.streams, peer)
	}
	m.mu.Unlock()
	if ok {
		e.stream.Stop()
	}
}

// CloseAll stops every owned stream, used on Client shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.streams))
	for _, e := range m.streams {
		entries = append(entries, e)
	}
	m.streams = make(map[PeerUID]*entry)
	m.mu.Unlock()
	for _, e := range entries {
		e.stream.Stop()
	}
}

// apiSender implements safestream.Sender by framing a SafeStream frame as
// a send_message authorized-API call and fanning it out through
// CloudConnections/CloudRequest per spec's data-flow diagram (spec.md
// line 40: "... fragments → CloudConnections.authorized_call(send_message)
// with policy → CloudRequest → ...").
type apiSender struct {
	peer     PeerUID
	cloudObj *cloud.Cloud
	conns    *cloud.CloudConnections
	keys     SessionKeys
	policy   cloud.RequestPolicy
}

func (s *apiSender) SendFrame(ctx context.Context, frame []byte) error {
	call := wire.ApiCall{Method: wire.MethodSendMessage, Args: wire.EncodeSendMessage(s.peer, frame)}
	keys := make(map[uint16][]byte)
	for _, id := range s.cloudObj.ServerIDs() {
		keys[id] = s.keys.KeyFor(id)
	}
	_, err := cloud.Request(ctx, s.cloudObj, s.conns, keys, s.policy, call)
	return err
}
