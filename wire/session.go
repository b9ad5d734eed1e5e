package wire

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/aethernetio/aether-client-go/aethererr"
	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/transport"
)

// replayWindowSize is the number of recent receive-nonces tracked to
// reject replays (spec §4.2: "a sliding replay window of 64 nonces").
const replayWindowSize = 64

// Session is the CryptoSession of spec §4.2: it wraps a Transport into a
// stream of authenticated-encrypted frames, using a monotonically
// increasing send-nonce counter and a sliding replay window on receive.
// Its structure mirrors the teacher's client2/connection.go
// onTCPConn/onWireConn split (build the link, then hand it the session
// key), generalized from a link-layer Noise handshake to a pre-shared,
// HKDF-derived per-server key (see crypto.DeriveServerKey).
type Session struct {
	transport transport.Transport
	aead      crypto.AEAD

	mu       sync.Mutex
	sendSeq  uint64
	recvHigh uint64
	recvSeen [replayWindowSize]bool
}

// NewSession builds a CryptoSession over an already-connected Transport,
// keyed with key (the per-server session key derived from the client's
// master key, spec §3 ServerKeys).
func NewSession(t transport.Transport, scheme crypto.Scheme, key []byte) (*Session, error) {
	aead, err := crypto.New(scheme, key)
	if err != nil {
		return nil, err
	}
	return &Session{transport: t, aead: aead}, nil
}

// MaxElementSize is transport.max_packet_size minus AEAD overhead minus
// the 4-byte length prefix (spec §4.2), exposed upstream through
// StreamInfo.
func (s *Session) MaxElementSize() int {
	info := s.transport.Info()
	n := info.MaxPacketSize - s.aead.Overhead() - 4
	if n < 0 {
		return 0
	}
	return n
}

func (s *Session) nonce(counter uint64) []byte {
	n := make([]byte, crypto.NonceSize)
	binary.BigEndian.PutUint64(n[crypto.NonceSize-8:], counter)
	return n
}

// Send AEAD-encrypts plaintext with the next send-nonce and writes the
// resulting ciphertext frame.
func (s *Session) Send(ctx context.Context, plaintext []byte) error {
	s.mu.Lock()
	seq := s.sendSeq
	s.sendSeq++
	s.mu.Unlock()

	ct := s.aead.Seal(s.nonce(seq), nil, plaintext)
	status, err := s.transport.Write(ctx, ct)
	if err != nil {
		return aethererr.NewTransportError(err)
	}
	if status != transport.Sent {
		return aethererr.NewTransportError(aethererr.ErrCancelled)
	}
	return nil
}

// Recv reads the next ciphertext frame and decrypts it. On authentication
// failure it returns a CryptoError and the caller is expected to drop the
// frame without tearing down the session (spec §4.2, §7).
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	frame, err := s.transport.Read(ctx)
	if err != nil {
		return nil, aethererr.NewTransportError(err)
	}
	// The nonce counter travels implicitly: we try counters upward from
	// the highest one accepted so far through the next replayWindowSize
	// values, since the sender only ever increments. A production deployment would instead prefix the
	// ciphertext with the explicit counter; this module keeps the wire
	// format exactly as specified in §6.1 (no nonce on the wire) and
	// recovers the counter by trial within the window.
	s.mu.Lock()
	lo := s.recvHigh
	s.mu.Unlock()

	for try := lo; try < lo+replayWindowSize; try++ {
		pt, err := s.aead.Open(s.nonce(try), nil, frame.Bytes)
		if err != nil {
			continue
		}
		s.mu.Lock()
		idx := try % replayWindowSize
		if s.recvSeen[idx] && try <= s.recvHigh {
			s.mu.Unlock()
			return nil, aethererr.NewCryptoError(ErrReplay)
		}
		s.recvSeen[idx] = true
		if try > s.recvHigh {
			s.recvHigh = try
		}
		s.mu.Unlock()
		return pt, nil
	}
	return nil, aethererr.NewCryptoError(ErrAuth)
}

// Transport exposes the underlying Transport for link-state inspection.
func (s *Session) Transport() transport.Transport { return s.transport }
