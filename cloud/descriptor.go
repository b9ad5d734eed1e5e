// Package cloud implements Server, Channel, Cloud and ServerDescriptor
// (spec §4.5 types) plus CloudConnections (C5) and CloudRequest (C6). The
// cbor serialization approach for descriptors follows the teacher's
// core/pki/descriptor.go MixDescriptor (signed, cbor-marshaled blob).
package cloud

import (
	"encoding/binary"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/transport"
	"github.com/aethernetio/aether-client-go/wire"
)

// ChannelDescriptor is one reachable endpoint for a server, as advertised
// in a ServerDescriptor (spec §3 Endpoint, §4.5).
type ChannelDescriptor struct {
	Proto string `cbor:"proto"`
	Host  string `cbor:"host"`
	Port  uint16 `cbor:"port"`
}

// ServerDescriptor is the signed, published description of one server:
// its identity, its public key material, and the channels it can be
// reached on. It mirrors the teacher's MixDescriptor shape (signed cbor
// blob, verified before use) generalized from a mix descriptor to an
// Aether server descriptor.
type ServerDescriptor struct {
	ServerID  uint16              `cbor:"server_id"`
	PublicKey crypto.PublicKey    `cbor:"public_key"`
	Channels  []ChannelDescriptor `cbor:"channels"`
	IssuedAt  time.Time           `cbor:"issued_at"`
	Signature [crypto.SignatureSize]byte `cbor:"-"`
}

// MarshalSigned cbor-encodes the descriptor body (everything but the
// signature) for signing/verification, mirroring
// MixDescriptor.Certificate's "marshal the unsigned shadow type" step.
func (d *ServerDescriptor) MarshalSigned() ([]byte, error) {
	type shadow ServerDescriptor
	return cbor.Marshal((*shadow)(d))
}

// Verify checks that Signature authenticates the descriptor body under
// pub.
func (d *ServerDescriptor) Verify(pub crypto.PublicKey) error {
	body, err := d.MarshalSigned()
	if err != nil {
		return err
	}
	return pub.Verify(body, d.Signature[:])
}

// EncodeResolveServersReply serializes the resolve_servers reply shape
// (spec §6.1: `[{server_id, [{ip, [{protocol, port}]}]}]`) — unsigned,
// unlike the cbor-signed descriptor a server publishes about itself, since
// this is one peer reporting another peer's channels to a client that
// hasn't yet fetched (or doesn't need) that server's signing key. Uses
// the same hand-rolled encoding/binary approach as wire/frame.go, since
// the spec fixes this call's exact byte layout too.
func EncodeResolveServersReply(descs []*ServerDescriptor) []byte {
	size := 2
	for _, d := range descs {
		size += 2 + 2 + len(d.Channels)*(1+2+2) // server_id, chan_count, per-channel proto+port+host_len
		for _, c := range d.Channels {
			size += len(c.Host)
		}
	}
	out := make([]byte, size)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(descs)))
	off := 2
	for _, d := range descs {
		binary.BigEndian.PutUint16(out[off:off+2], d.ServerID)
		off += 2
		binary.BigEndian.PutUint16(out[off:off+2], uint16(len(d.Channels)))
		off += 2
		for _, c := range d.Channels {
			proto := byte(0)
			if c.Proto == "udp" {
				proto = 1
			}
			out[off] = proto
			off++
			binary.BigEndian.PutUint16(out[off:off+2], c.Port)
			off += 2
			binary.BigEndian.PutUint16(out[off:off+2], uint16(len(c.Host)))
			off += 2
			copy(out[off:], c.Host)
			off += len(c.Host)
		}
	}
	return out
}

// DecodeResolveServersReply parses the resolve_servers reply into
// unsigned ServerDescriptors (PublicKey/IssuedAt/Signature left zero —
// the identity of these servers is established by Aether's own server
// table/config, not by this call).
func DecodeResolveServersReply(buf []byte) ([]*ServerDescriptor, error) {
	if len(buf) < 2 {
		return nil, wire.ErrShortFrame
	}
	count := int(binary.BigEndian.Uint16(buf[0:2]))
	off := 2
	descs := make([]*ServerDescriptor, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < off+4 {
			return nil, wire.ErrShortFrame
		}
		serverID := binary.BigEndian.Uint16(buf[off : off+2])
		off += 2
		chanCount := int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2
		channels := make([]ChannelDescriptor, 0, chanCount)
		for j := 0; j < chanCount; j++ {
			if len(buf) < off+5 {
				return nil, wire.ErrShortFrame
			}
			proto := "tcp"
			if buf[off] == 1 {
				proto = "udp"
			}
			off++
			port := binary.BigEndian.Uint16(buf[off : off+2])
			off += 2
			hostLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
			off += 2
			if len(buf) < off+hostLen {
				return nil, wire.ErrShortFrame
			}
			host := string(buf[off : off+hostLen])
			off += hostLen
			channels = append(channels, ChannelDescriptor{Proto: proto, Host: host, Port: port})
		}
		descs = append(descs, &ServerDescriptor{ServerID: serverID, Channels: channels})
	}
	return descs, nil
}

// Endpoints converts the descriptor's ChannelDescriptors into dialable
// transport.Endpoints.
func (d *ServerDescriptor) Endpoints() []transport.Endpoint {
	out := make([]transport.Endpoint, 0, len(d.Channels))
	for _, c := range d.Channels {
		proto := transport.TCP
		if c.Proto == "udp" {
			proto = transport.UDP
		}
		out = append(out, transport.Endpoint{Host: c.Host, Port: c.Port, Proto: proto})
	}
	return out
}
