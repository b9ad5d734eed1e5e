package cloud

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/serversession"
	"github.com/aethernetio/aether-client-go/transport"
)

// channelDialer adapts a Server's PreferredChannel selection to the
// serversession.Dialer contract, recording connect-time and failure
// stats back onto the Channel it picked (spec §4.5 stats feed the next
// PreferredChannel call).
type channelDialer struct {
	server   *Server
	registry *transport.Registry
}

func (d *channelDialer) Dial(ctx context.Context) (transport.Transport, error) {
	ch := d.server.PreferredChannel()
	if ch == nil {
		return nil, transport.ErrNoChannel
	}
	builder, ok := d.registry.For(ch.Endpoint.Proto)
	if !ok {
		return nil, transport.ErrNoAdapter
	}

	start := time.Now()
	t, err := builder.Dial(ctx, ch.Endpoint)
	if err != nil {
		ch.RecordFailure(time.Now())
		return nil, err
	}
	ch.RecordConnect(time.Since(start))
	return t, nil
}

// DefaultMaxCloudConnections is the cap CloudConnections.New applies
// when the caller doesn't configure one (spec §4.5 `K`).
const DefaultMaxCloudConnections = 8

// quarantineBase/Cap bound a failed server's requarantine backoff (spec
// §4.5 "exponential backoff (start 1s, x2 per failure, cap 5min)").
const (
	quarantineBase = time.Second
	quarantineCap  = 5 * time.Minute
)

// ErrQuarantined is returned by Ensure for a server still serving its
// requarantine backoff (spec §4.5 step 1: "skip any server_id in
// quarantined unless deadline <= now").
var ErrQuarantined = errors.New("cloud: server is quarantined")

// ErrConnectionCapReached is returned by Ensure when CloudConnections
// already maintains K live sessions (spec §4.5 `selected.len() <= K`).
var ErrConnectionCapReached = errors.New("cloud: max_cloud_connections reached")

// CloudConnections owns up to K live ServerSessions, keyed by ServerID,
// dialing over each server's preferred Channel and requarantining a
// server (with exponential backoff) whenever its session goes Dead
// (spec §4.5 component C5). It generalizes the teacher's single-Provider
// connection struct in client2/connection.go to a capped, quarantine-
// aware fan of per-server connections, reused across every Cloud this
// process ever needs to reach (a client's own cloud and any peer cloud
// resolved via CloudResolver): server IDs are global, so one shared pool
// — rather than one CloudConnections per Cloud — is what actually bounds
// concurrent connections for the process.
type CloudConnections struct {
	registry *transport.Registry
	scheme   crypto.Scheme
	log      *log.Logger
	maxConns int

	mu          sync.RWMutex
	sessions    map[uint16]*serversession.Session
	selected    []uint16
	quarantined map[uint16]time.Time
	failures    map[uint16]int

	onServersChanged []func()
}

// New constructs a CloudConnections bound to a transport.Registry (TCP,
// QUIC, or whichever adapters the embedding Aether instance registered)
// and an AEAD scheme shared across all server sessions. maxConns <= 0
// uses DefaultMaxCloudConnections.
func New(registry *transport.Registry, scheme crypto.Scheme, maxConns int, logger *log.Logger) *CloudConnections {
	if logger == nil {
		logger = log.Default()
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxCloudConnections
	}
	return &CloudConnections{
		registry:    registry,
		scheme:      scheme,
		log:         logger,
		maxConns:    maxConns,
		sessions:    make(map[uint16]*serversession.Session),
		quarantined: make(map[uint16]time.Time),
		failures:    make(map[uint16]int),
	}
}

// quarantineBackoff is the spec §4.5 exponential backoff curve for the
// n-th failure of a server (n >= 1): 1s, 2s, 4s, ..., capped at
// quarantineCap. The per-server failure count is never reset, so it
// counts every session death of that server, not only consecutive ones.
func quarantineBackoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > 20 { // 2^19 * 1s is already far past quarantineCap
		failures = 20
	}
	d := quarantineBase * time.Duration(uint64(1)<<uint(failures-1))
	if d > quarantineCap {
		d = quarantineCap
	}
	return d
}

// Ensure returns the ServerSession for server (creating and starting it
// if necessary), keyed with sessionKey (spec §3 ServerKeys: derived once
// per server from the client master key). It fails with ErrQuarantined
// if server is still serving a requarantine backoff, or
// ErrConnectionCapReached if CloudConnections already maintains K live
// sessions (spec §4.5 steps 1-2: skip quarantined, cap at K).
func (cc *CloudConnections) Ensure(server *Server, sessionKey []byte) (*serversession.Session, error) {
	cc.mu.Lock()

	if s, ok := cc.sessions[server.ID]; ok {
		cc.mu.Unlock()
		return s, nil
	}

	if deadline, quarantined := cc.quarantined[server.ID]; quarantined {
		if time.Now().Before(deadline) {
			cc.mu.Unlock()
			return nil, ErrQuarantined
		}
		delete(cc.quarantined, server.ID)
	}

	if len(cc.selected) >= cc.maxConns {
		cc.mu.Unlock()
		return nil, ErrConnectionCapReached
	}

	dialer := &channelDialer{server: server, registry: cc.registry}
	s := serversession.New(server.ID, dialer, cc.scheme, sessionKey, cc.log)
	s.OnStateChange(func(st serversession.State) {
		if st == serversession.Dead {
			cc.onDead(server.ID)
		}
	})
	cc.sessions[server.ID] = s
	cc.selected = append(cc.selected, server.ID)
	cc.mu.Unlock()

	s.Start()
	cc.notifyChanged()
	return s, nil
}

// onDead removes id's session from the selected set and requarantines
// it with exponential backoff (spec §4.5 "On ServerSession.state = Dead:
// remove from selected, insert into quarantined with exponential
// backoff... Re-run selection").
func (cc *CloudConnections) onDead(id uint16) {
	cc.mu.Lock()
	delete(cc.sessions, id)
	cc.removeSelectedLocked(id)
	cc.failures[id]++
	cc.quarantined[id] = time.Now().Add(quarantineBackoff(cc.failures[id]))
	cc.mu.Unlock()
	cc.notifyChanged()
}

func (cc *CloudConnections) removeSelectedLocked(id uint16) {
	for i, v := range cc.selected {
		if v == id {
			cc.selected = append(cc.selected[:i], cc.selected[i+1:]...)
			return
		}
	}
}

// IsQuarantined reports whether serverID is currently serving a
// requarantine backoff, releasing it first if the deadline has passed.
func (cc *CloudConnections) IsQuarantined(serverID uint16) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	deadline, ok := cc.quarantined[serverID]
	if !ok {
		return false
	}
	if time.Now().Before(deadline) {
		return true
	}
	delete(cc.quarantined, serverID)
	return false
}

// Selected returns the current ordered list of server IDs with a live
// session, length always <= the configured K (spec §4.5 testable
// property 8.4).
func (cc *CloudConnections) Selected() []uint16 {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return append([]uint16(nil), cc.selected...)
}

// VisitServers iterates the current selected list per policy (spec §4.5
// "visit_servers(policy, fn)"): MainServer visits selected[0], Priority(i)
// visits selected[i], Replica(n) visits selected[0:min(n,len)], and All
// visits every selected id.
func (cc *CloudConnections) VisitServers(policy RequestPolicy, fn func(serverID uint16)) {
	cc.mu.RLock()
	ids := policy.targets(append([]uint16(nil), cc.selected...))
	cc.mu.RUnlock()
	for _, id := range ids {
		fn(id)
	}
}

// Restream tears down every currently selected ServerSession (spec §4.5
// "restream() forces every session in selected to tear down and
// reconnect", used on catastrophic loss). Torn-down servers are not
// quarantined — restream is a deliberate reset, not a failure — so the
// next Ensure call for each freed server id dials again immediately.
func (cc *CloudConnections) Restream() {
	cc.mu.Lock()
	sessions := make([]*serversession.Session, 0, len(cc.selected))
	for _, id := range cc.selected {
		if s, ok := cc.sessions[id]; ok {
			sessions = append(sessions, s)
		}
		delete(cc.sessions, id)
	}
	cc.selected = nil
	cc.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	cc.notifyChanged()
}

// Get returns the session for a server if one exists and is not Dead.
func (cc *CloudConnections) Get(serverID uint16) (*serversession.Session, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	s, ok := cc.sessions[serverID]
	return s, ok
}

// OnServersChanged registers a callback fired whenever the selected list
// changes: Ensure adds a session, a session dies, or Restream tears them
// down (spec §4.5 "servers_update_event", mirrored from
// CloudServerConnections::servers_update_event_ in original_source).
func (cc *CloudConnections) OnServersChanged(fn func()) {
	cc.mu.Lock()
	cc.onServersChanged = append(cc.onServersChanged, fn)
	cc.mu.Unlock()
}

func (cc *CloudConnections) notifyChanged() {
	cc.mu.RLock()
	cbs := append([]func(){}, cc.onServersChanged...)
	cc.mu.RUnlock()
	for _, fn := range cbs {
		fn()
	}
}

// StopAll halts every owned ServerSession, used on Aether shutdown.
func (cc *CloudConnections) StopAll() {
	cc.mu.Lock()
	sessions := make([]*serversession.Session, 0, len(cc.sessions))
	for _, s := range cc.sessions {
		sessions = append(sessions, s)
	}
	cc.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}
