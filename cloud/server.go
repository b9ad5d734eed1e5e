package cloud

import (
	"fmt"
	"sync"
	"time"
)

// Server is one server identity: its descriptor and the Channels derived
// from it (spec §4.5).
type Server struct {
	ID uint16

	mu         sync.RWMutex
	descriptor *ServerDescriptor
	channels   []*Channel
}

// NewServer constructs a Server from a verified descriptor.
func NewServer(desc *ServerDescriptor) *Server {
	s := &Server{ID: desc.ServerID}
	s.SetDescriptor(desc)
	return s
}

// SetDescriptor replaces the server's descriptor, rebuilding its Channel
// set (spec §4.5: "a new descriptor supersedes channel preference
// ordering but preserves accumulated stats for endpoints that recur").
func (s *Server) SetDescriptor(desc *ServerDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := make(map[string]*Channel, len(s.channels))
	for _, c := range s.channels {
		old[fmt.Sprintf("%s|%s|%d", c.Endpoint.Host, c.Endpoint.Proto, c.Endpoint.Port)] = c
	}

	next := make([]*Channel, 0, len(desc.Channels))
	for _, ep := range desc.Endpoints() {
		key := fmt.Sprintf("%s|%s|%d", ep.Host, ep.Proto, ep.Port)
		if c, ok := old[key]; ok {
			next = append(next, c)
			continue
		}
		next = append(next, NewChannel(ep))
	}

	s.descriptor = desc
	s.channels = next
}

// Descriptor returns the server's current descriptor.
func (s *Server) Descriptor() *ServerDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descriptor
}

// Channels returns the server's channels, ordered as published.
func (s *Server) Channels() []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// PreferredChannel returns the available (not quarantined) channel with
// the lowest median RTT; a channel with no samples yet counts as 0 and
// ties go to the earlier channel. If every channel is quarantined it falls
// back to the first channel (spec §4.5 channel selection).
func (s *Server) PreferredChannel() *Channel {
	chans := s.Channels()
	if len(chans) == 0 {
		return nil
	}

	now := time.Now()
	var best *Channel
	for _, c := range chans {
		if !c.Available(now) {
			continue
		}
		if best == nil || c.MedianRTT() < best.MedianRTT() {
			best = c
		}
	}
	if best != nil {
		return best
	}
	return chans[0]
}
