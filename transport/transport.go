// Package transport specifies the Transport contract (spec §4.1, component
// C1): a full-duplex byte channel to one endpoint, reported link state,
// and the adapter/builder registry that makes the set of physical links
// open for extension without deep inheritance (spec §9 "Polymorphism over
// adapter, transport, channel").
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNoChannel is returned when a server has no available (non-quarantined)
// channel to dial.
var ErrNoChannel = errors.New("transport: no available channel")

// ErrNoAdapter is returned when no registered Builder serves a channel's
// protocol.
var ErrNoAdapter = errors.New("transport: no adapter for protocol")

// LinkState mirrors the state names used throughout the core
// (ServerSession, StreamInfo).
type LinkState int

const (
	LinkUnlinked LinkState = iota
	LinkLinked
	LinkError
)

func (s LinkState) String() string {
	switch s {
	case LinkLinked:
		return "linked"
	case LinkError:
		return "link-error"
	default:
		return "unlinked"
	}
}

// SendStatus is the terminal status of a Write's SendAction.
type SendStatus int

const (
	Sent SendStatus = iota
	Failed
	Stopped
)

// Info describes the current capabilities of a Transport, polled by
// CryptoSession to size frames and by StreamInfo to report reliability
// upstream (spec §4.1, §4.7).
type Info struct {
	LinkState     LinkState
	MaxPacketSize int
	Reliable      bool
}

// Frame is one inbound datagram/segment together with its receive time.
type Frame struct {
	Bytes []byte
	Recv  time.Time
}

// Transport is a full-duplex byte channel to one endpoint. Connectionless
// implementations must deliver whole frames; connection-oriented ones must
// preserve byte order and may coalesce (spec §4.1).
type Transport interface {
	// Write enqueues bytes for send and reports the terminal SendStatus
	// once known. It must not block past enqueueing.
	Write(ctx context.Context, p []byte) (SendStatus, error)

	// Read blocks until the next inbound frame or ctx is cancelled.
	Read(ctx context.Context) (Frame, error)

	// Updates delivers an Info snapshot every time LinkState or
	// MaxPacketSize changes. Close does not close the channel.
	Updates() <-chan Info

	// Info returns the most recently known Info synchronously.
	Info() Info

	// Close tears down the underlying link. Subsequent Write/Read return
	// errors.
	Close() error
}

// Endpoint is a dial target: an address (IPv4/IPv6 literal or DNS name),
// port and protocol (spec §3).
type Endpoint struct {
	Host  string
	Port  uint16
	Proto Proto
}

// Proto is the transport-layer protocol of an Endpoint.
type Proto uint8

const (
	TCP Proto = iota
	UDP
)

func (p Proto) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// Builder constructs a Transport to a resolved Endpoint. Each adapter
// (transport/tcp, transport/quic, or a deployment-specific one) implements
// Builder and is registered with Aether under a name.
type Builder interface {
	// Name identifies the adapter, e.g. "tcp", "udp".
	Name() string
	// Dial builds and connects a Transport to ep.
	Dial(ctx context.Context, ep Endpoint) (Transport, error)
}

// Registry is an ordered, open-for-extension set of Builders, offered when
// building sessions to a Server's ranked Channel list (spec §3 "Channel").
type Registry struct {
	builders []Builder
}

// NewRegistry creates a Registry from an ordered list of adapters.
func NewRegistry(builders ...Builder) *Registry {
	return &Registry{builders: append([]Builder(nil), builders...)}
}

// Lookup finds a registered Builder by name.
func (r *Registry) Lookup(name string) (Builder, bool) {
	for _, b := range r.builders {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

// For returns the Builder able to dial ep.Proto (first match wins; callers
// that care about a specific adapter should use Lookup instead).
func (r *Registry) For(proto Proto) (Builder, bool) {
	want := proto.String()
	for _, b := range r.builders {
		if b.Name() == want {
			return b, true
		}
	}
	return nil, false
}
