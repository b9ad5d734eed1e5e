// Package quic is a second Transport adapter that carries every frame as
// an unreliable QUIC datagram (quic-go's DatagramSend/ReceiveDatagram); it
// opens no reliable QUIC stream. It is registered so that SafeStream's
// sliding-window retransmission (spec §4.7) is exercised over a genuinely
// unreliable, duplicate-prone substrate, not just TCP.
package quic

import (
	"context"
	"crypto/tls"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/aethernetio/aether-client-go/transport"
)

const maxDatagramSize = 1200

// Builder dials QUIC connections with datagram support enabled.
type Builder struct {
	TLSConfig *tls.Config
}

// NewBuilder constructs a Builder. A nil TLSConfig uses InsecureSkipVerify
// with NextProtos "aether/1" — Channel-level authentication is provided by
// CryptoSession's own handshake above this transport, so QUIC/TLS here
// only needs to establish an encrypted pipe, not authenticate the peer.
func NewBuilder(tlsConfig *tls.Config) *Builder {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"aether/1"}}
	}
	return &Builder{TLSConfig: tlsConfig}
}

func (b *Builder) Name() string { return "udp" }

func (b *Builder) Dial(ctx context.Context, ep transport.Endpoint) (transport.Transport, error) {
	qConf := &quic.Config{EnableDatagrams: true, KeepAlivePeriod: 15 * time.Second}
	addr := ep.Host + ":" + strconv.Itoa(int(ep.Port))
	conn, err := quic.DialAddr(ctx, addr, b.TLSConfig, qConf)
	if err != nil {
		return nil, err
	}
	return newTransport(conn), nil
}

// Transport adapts a quic.Connection's datagram extension to the Transport
// contract: unlike the TCP adapter it is connectionless at the frame
// level (spec §4.1 "for connection-less transports a successful Sent only
// means the local send completed").
type Transport struct {
	conn    quic.Connection
	updates chan transport.Info
}

func newTransport(conn quic.Connection) *Transport {
	t := &Transport{
		conn:    conn,
		updates: make(chan transport.Info, 4),
	}
	t.updates <- t.Info()
	return t
}

func (t *Transport) Write(ctx context.Context, p []byte) (transport.SendStatus, error) {
	if len(p) > maxDatagramSize {
		return transport.Failed, quic.ErrDatagramTooLarge
	}
	if err := t.conn.SendDatagram(p); err != nil {
		return transport.Failed, err
	}
	// Connection-less: completion of the local enqueue is all "Sent"
	// promises here; end-to-end reliability is SafeStream's job.
	return transport.Sent, nil
}

func (t *Transport) Read(ctx context.Context) (transport.Frame, error) {
	b, err := t.conn.ReceiveDatagram(ctx)
	if err != nil {
		return transport.Frame{}, err
	}
	return transport.Frame{Bytes: b, Recv: time.Now()}, nil
}

func (t *Transport) Updates() <-chan transport.Info { return t.updates }

func (t *Transport) Info() transport.Info {
	return transport.Info{LinkState: transport.LinkLinked, MaxPacketSize: maxDatagramSize, Reliable: false}
}

func (t *Transport) Close() error {
	return t.conn.CloseWithError(0, "closed")
}
