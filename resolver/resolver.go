// Package resolver implements CloudResolver (spec §4.9, component C9):
// a TTL cache mapping a peer UID to the Cloud currently serving it,
// filled in on miss by querying the client's own CloudConnections.
package resolver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/aethernetio/aether-client-go/cloud"
	"github.com/aethernetio/aether-client-go/wire"
)

// DefaultTTL is the cache entry lifetime (spec §4.9: "TTL default 10
// minutes, configurable"), grounded on the teacher's pkiclient/minclient
// PKI-document caching idiom referenced from client2/connection.go
// (c.client.pki, CurrentDocument) generalized from one shared PKI
// document to one Cloud per peer UID.
const DefaultTTL = 10 * time.Minute

type cachedCloud struct {
	cloud   *cloud.Cloud
	expires time.Time
}

// ServerTable looks up a known Server by ID (backed by Aether's server
// table), used to build Server objects for descriptors missing from the
// cache.
type ServerTable interface {
	Server(id uint16) (*cloud.Server, bool)
	AddServer(s *cloud.Server)
}

// Resolver is CloudResolver. It depends only on the client's own
// CloudConnections/Cloud (the "root" connections used to query
// get_client_cloud/resolve_servers), not on any particular peer's cloud.
type Resolver struct {
	log         *log.Logger
	ownCloud    *cloud.Cloud
	conns       *cloud.CloudConnections
	keys        streammgrSessionKeys
	servers     ServerTable
	ttl         time.Duration
	replicas    int

	mu    sync.Mutex
	cache map[[16]byte]cachedCloud
}

// streammgrSessionKeys mirrors streammgr.SessionKeys without importing
// that package (which itself may import resolver's sibling streammgr
// only through the narrow Resolver interface, not the reverse) — kept as
// an unexported structural type so any SessionKeys implementation works.
type streammgrSessionKeys interface {
	KeyFor(serverID uint16) []byte
}

// New constructs a Resolver. ownCloud/conns are the client's own cloud
// and connections (used to issue get_client_cloud/resolve_servers against
// servers the client already trusts); servers is Aether's shared server
// table, consulted and extended as new ServerDescriptors are learned.
func New(ownCloud *cloud.Cloud, conns *cloud.CloudConnections, keys streammgrSessionKeys, servers ServerTable, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		log:      logger,
		ownCloud: ownCloud,
		conns:    conns,
		keys:     keys,
		servers:  servers,
		ttl:      DefaultTTL,
		replicas: ownCloud.Len(),
		cache:    make(map[[16]byte]cachedCloud),
	}
}

// SetTTL overrides the default cache lifetime.
func (r *Resolver) SetTTL(ttl time.Duration) { r.ttl = ttl }

// Resolve returns peer's cloud, from cache if still valid, else by
// querying get_client_cloud(peer) followed by resolve_servers for any
// member IDs not already in Aether's server table (spec §4.9 steps 1-2).
func (r *Resolver) Resolve(ctx context.Context, peer [16]byte) (*cloud.Cloud, error) {
	r.mu.Lock()
	if c, ok := r.cache[peer]; ok && time.Now().Before(c.expires) {
		r.mu.Unlock()
		return c.cloud, nil
	}
	r.mu.Unlock()

	ids, err := r.queryClientCloud(ctx, peer)
	if err != nil {
		return nil, err
	}

	missing := r.missingServerIDs(ids)
	if len(missing) > 0 {
		if err := r.resolveServers(ctx, missing); err != nil {
			return nil, err
		}
	}

	servers := make([]*cloud.Server, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.servers.Server(id); ok {
			servers = append(servers, s)
		}
	}
	sort.Slice(servers, func(i, j int) bool {
		return indexOf(ids, servers[i].ID) < indexOf(ids, servers[j].ID)
	})

	c := cloud.NewCloud(servers)
	r.mu.Lock()
	r.cache[peer] = cachedCloud{cloud: c, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return c, nil
}

func indexOf(ids []uint16, id uint16) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return len(ids)
}

func (r *Resolver) sessionKeys() map[uint16][]byte {
	keys := make(map[uint16][]byte)
	for _, id := range r.ownCloud.ServerIDs() {
		keys[id] = r.keys.KeyFor(id)
	}
	return keys
}

func (r *Resolver) queryClientCloud(ctx context.Context, peer [16]byte) ([]uint16, error) {
	call := wire.ApiCall{Method: wire.MethodGetClientCloud, Args: wire.EncodeGetClientCloud(peer)}
	resp, err := cloud.Request(ctx, r.ownCloud, r.conns, r.sessionKeys(), cloud.Replica(r.replicas), call)
	if err != nil {
		return nil, err
	}
	_, ids, err := wire.DecodeClientCloudEvent(resp.Args)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Resolver) missingServerIDs(ids []uint16) []uint16 {
	var missing []uint16
	for _, id := range ids {
		if _, ok := r.servers.Server(id); !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func (r *Resolver) resolveServers(ctx context.Context, ids []uint16) error {
	call := wire.ApiCall{Method: wire.MethodResolveServers, Args: wire.EncodeResolveServers(ids)}
	resp, err := cloud.Request(ctx, r.ownCloud, r.conns, r.sessionKeys(), cloud.Replica(r.replicas), call)
	if err != nil {
		return err
	}
	descs, err := cloud.DecodeResolveServersReply(resp.Args)
	if err != nil {
		return err
	}
	for _, desc := range descs {
		s := cloud.NewServer(desc)
		r.servers.AddServer(s)
	}
	return nil
}
