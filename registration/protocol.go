// Package registration implements Registration (spec §4.10, component
// C10): the one-time bootstrap state machine that turns a registration
// profile into a signed ClientConfig. Its wire encodings are a separate,
// smaller namespace from wire.MethodID (spec §6.1's authorized-API
// surface) since these methods run before any per-server session key
// exists; resolve_servers is the one step shared with the authorized API
// and reuses wire.EncodeResolveServers/cloud.DecodeResolveServersReply
// directly rather than re-encoding it.
package registration

import (
	"encoding/binary"

	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/wire"
)

// regMethod identifies one client-root-API call exchanged during
// registration, hand-rolled with encoding/binary like wire/frame.go for
// the same reason: the spec fixes each call's exact byte layout.
type regMethod uint8

const (
	regGetAsymmetricPublicKey regMethod = 1
	regEnter                  regMethod = 2
	regRequestPowData         regMethod = 3
	regRegister               regMethod = 4
	regSetMasterKey           regMethod = 5
	regFinish                 regMethod = 6
)

type regCall struct {
	Method regMethod
	Args   []byte
}

func (c regCall) encode() []byte {
	out := make([]byte, 1+len(c.Args))
	out[0] = byte(c.Method)
	copy(out[1:], c.Args)
	return out
}

func decodeRegCall(buf []byte) (regCall, error) {
	if len(buf) < 1 {
		return regCall{}, wire.ErrShortFrame
	}
	args := make([]byte, len(buf)-1)
	copy(args, buf[1:])
	return regCall{Method: regMethod(buf[0]), Args: args}, nil
}

func encodeU16Bytes(out []byte, off int, b []byte) int {
	binary.BigEndian.PutUint16(out[off:off+2], uint16(len(b)))
	copy(out[off+2:], b)
	return off + 2 + len(b)
}

func decodeU16Bytes(buf []byte, off int) ([]byte, int, error) {
	if len(buf) < off+2 {
		return nil, 0, wire.ErrShortFrame
	}
	n := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+n {
		return nil, 0, wire.ErrShortFrame
	}
	b := make([]byte, n)
	copy(b, buf[off:off+n])
	return b, off + n, nil
}

// encodeGetAsymmetricPublicKey builds the args for regGetAsymmetricPublicKey.
func encodeGetAsymmetricPublicKey(profile []byte) []byte {
	out := make([]byte, 2+len(profile))
	encodeU16Bytes(out, 0, profile)
	return out
}

// encodeSignedHybridKey serializes a HybridPublicKey + Ed25519 signature:
// 32-byte X25519 share, u16-len-prefixed SIDH share, 64-byte signature.
// The length varies with the SIDH share.
func encodeSignedHybridKey(pub *crypto.HybridPublicKey, sig [crypto.SignatureSize]byte) []byte {
	out := make([]byte, 32+2+len(pub.PQ)+crypto.SignatureSize)
	copy(out[0:32], pub.Classical[:])
	off := encodeU16Bytes(out, 32, pub.PQ)
	copy(out[off:], sig[:])
	return out
}

func decodeSignedHybridKey(buf []byte) (*crypto.HybridPublicKey, [crypto.SignatureSize]byte, error) {
	var sig [crypto.SignatureSize]byte
	if len(buf) < 32 {
		return nil, sig, wire.ErrShortFrame
	}
	pub := &crypto.HybridPublicKey{}
	copy(pub.Classical[:], buf[0:32])
	pq, off, err := decodeU16Bytes(buf, 32)
	if err != nil {
		return nil, sig, err
	}
	pub.PQ = pq
	if len(buf) < off+crypto.SignatureSize {
		return nil, sig, wire.ErrShortFrame
	}
	copy(sig[:], buf[off:off+crypto.SignatureSize])
	return pub, sig, nil
}

// encodeEnter builds the args for regEnter.
func encodeEnter(profile []byte) []byte {
	out := make([]byte, 2+len(profile))
	encodeU16Bytes(out, 0, profile)
	return out
}

// encodeHybridPubKey serializes a bare HybridPublicKey with no signature,
// sent as a raw (unencrypted) preamble frame ahead of the return-key
// session: the registrar needs the client's ephemeral public key to
// derive the same shared secret before it can open anything the client
// encrypts under that key, so it can't travel inside the session itself.
func encodeHybridPubKey(pub *crypto.HybridPublicKey) []byte {
	out := make([]byte, 32+2+len(pub.PQ))
	copy(out[0:32], pub.Classical[:])
	encodeU16Bytes(out, 32, pub.PQ)
	return out
}

func decodeHybridPubKey(buf []byte) (*crypto.HybridPublicKey, error) {
	if len(buf) < 32 {
		return nil, wire.ErrShortFrame
	}
	pub := &crypto.HybridPublicKey{}
	copy(pub.Classical[:], buf[0:32])
	pq, _, err := decodeU16Bytes(buf, 32)
	if err != nil {
		return nil, err
	}
	pub.PQ = pq
	return pub, nil
}

// encodeRequestPowData builds the args for regRequestPowData: parent_uid
// (16 bytes), pow_method (u8). The ephemeral key that keys the session
// this call travels under was already sent as a raw preamble frame, so it
// isn't repeated here.
func encodeRequestPowData(parentUID [16]byte, powMethod byte) []byte {
	out := make([]byte, 16+1)
	copy(out[0:16], parentUID[:])
	out[16] = powMethod
	return out
}

// powParams is the wire shape of spec §4.10's pow_params reply field.
type powParams struct {
	Salt     []byte
	PwSuffix []byte
	MaxHash  uint32
	PoolSize uint32
}

// encodePowReply builds the reply to regRequestPowData: pow_params
// followed by the signed 32-byte aether_global_key.
func encodePowReply(p powParams, globalKey [32]byte, sig [crypto.SignatureSize]byte) []byte {
	size := 2 + len(p.Salt) + 2 + len(p.PwSuffix) + 4 + 4 + 32 + crypto.SignatureSize
	out := make([]byte, size)
	off := encodeU16Bytes(out, 0, p.Salt)
	off = encodeU16Bytes(out, off, p.PwSuffix)
	binary.BigEndian.PutUint32(out[off:off+4], p.MaxHash)
	off += 4
	binary.BigEndian.PutUint32(out[off:off+4], p.PoolSize)
	off += 4
	copy(out[off:off+32], globalKey[:])
	off += 32
	copy(out[off:], sig[:])
	return out
}

func decodePowReply(buf []byte) (powParams, [32]byte, [crypto.SignatureSize]byte, error) {
	var globalKey [32]byte
	var sig [crypto.SignatureSize]byte
	salt, off, err := decodeU16Bytes(buf, 0)
	if err != nil {
		return powParams{}, globalKey, sig, err
	}
	pwSuffix, off2, err := decodeU16Bytes(buf, off)
	if err != nil {
		return powParams{}, globalKey, sig, err
	}
	off = off2
	if len(buf) < off+4+4+32+crypto.SignatureSize {
		return powParams{}, globalKey, sig, wire.ErrShortFrame
	}
	maxHash := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	poolSize := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	copy(globalKey[:], buf[off:off+32])
	off += 32
	copy(sig[:], buf[off:off+crypto.SignatureSize])
	return powParams{Salt: salt, PwSuffix: pwSuffix, MaxHash: maxHash, PoolSize: poolSize}, globalKey, sig, nil
}

// encodeRegister builds the args for regRegister: salt, pw_suffix, proofs
// (count u32 x u64), parent_uid, return_key (32 bytes).
func encodeRegister(salt, pwSuffix []byte, proofs []uint64, parentUID [16]byte, returnKey [32]byte) []byte {
	size := 2 + len(salt) + 2 + len(pwSuffix) + 4 + 8*len(proofs) + 16 + 32
	out := make([]byte, size)
	off := encodeU16Bytes(out, 0, salt)
	off = encodeU16Bytes(out, off, pwSuffix)
	binary.BigEndian.PutUint32(out[off:off+4], uint32(len(proofs)))
	off += 4
	for _, p := range proofs {
		binary.BigEndian.PutUint64(out[off:off+8], p)
		off += 8
	}
	copy(out[off:off+16], parentUID[:])
	off += 16
	copy(out[off:], returnKey[:])
	return out
}

// encodeSetMasterKey builds the args for regSetMasterKey.
func encodeSetMasterKey(masterKey [32]byte) []byte {
	return append([]byte(nil), masterKey[:]...)
}

// encodeFinish builds the (empty) args for regFinish.
func encodeFinish() []byte { return nil }

// finishReply is the wire shape of the reply to finish(): {uid,
// ephemeral_uid, cloud: [server_id]}.
type finishReply struct {
	UID          [16]byte
	EphemeralUID [16]byte
	Cloud        []uint16
}

func decodeFinishReply(buf []byte) (finishReply, error) {
	if len(buf) < 34 {
		return finishReply{}, wire.ErrShortFrame
	}
	var r finishReply
	copy(r.UID[:], buf[0:16])
	copy(r.EphemeralUID[:], buf[16:32])
	count := int(binary.BigEndian.Uint16(buf[32:34]))
	off := 34
	if len(buf) < off+2*count {
		return finishReply{}, wire.ErrShortFrame
	}
	r.Cloud = make([]uint16, count)
	for i := range r.Cloud {
		r.Cloud[i] = binary.BigEndian.Uint16(buf[off+2*i : off+2+2*i])
	}
	return r, nil
}
