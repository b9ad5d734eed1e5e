package cloud

import "sync"

// Cloud is the set of servers that together hold one client's mailbox
// (spec §3 Cloud, §4.9 client cloud resolution): a UID resolves to a set
// of ServerIDs, and those IDs index into the shared Server table.
type Cloud struct {
	mu      sync.RWMutex
	servers map[uint16]*Server
	order   []uint16
}

// NewCloud builds a Cloud from an ordered list of member servers. Order
// is preserved as the default replica preference (spec §4.6
// RequestPolicy.Priority(i) indexes into this order).
func NewCloud(servers []*Server) *Cloud {
	c := &Cloud{servers: make(map[uint16]*Server, len(servers))}
	for _, s := range servers {
		c.servers[s.ID] = s
		c.order = append(c.order, s.ID)
	}
	return c
}

// ServerIDs returns the cloud's member server IDs in preference order.
func (c *Cloud) ServerIDs() []uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint16, len(c.order))
	copy(out, c.order)
	return out
}

// Server looks up a member by ID.
func (c *Cloud) Server(id uint16) (*Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.servers[id]
	return s, ok
}

// Len returns the number of member servers.
func (c *Cloud) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
