// Package wire implements the bit-level wire contracts of spec §6.1:
// length-delimited AEAD framing (CryptoSession, component C2), stream
// multiplexing (StreamMux, component C3), and the authorized-API /
// client-safe-API method encodings exchanged once a ServerSession is
// Linked.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortFrame is returned when a buffer is too small to contain a
// well-formed frame of its declared kind.
var ErrShortFrame = errors.New("wire: short frame")

// ErrReplay is returned when a received CryptoSession frame reuses a
// nonce already accepted within the replay window.
var ErrReplay = errors.New("wire: nonce replay detected")

// ErrAuth is returned when no nonce in the current replay window
// authenticates a received CryptoSession frame.
var ErrAuth = errors.New("wire: authentication failure")

// StreamID identifies one logical stream multiplexed on a CryptoSession
// (spec §4.3).
type StreamID uint16

// MuxFrame is the wire shape `uint16 stream_id, uint16 payload_len, bytes
// payload` (spec §6.1).
type MuxFrame struct {
	StreamID StreamID
	Payload  []byte
}

// Encode serializes a MuxFrame.
func (f MuxFrame) Encode() []byte {
	out := make([]byte, 4+len(f.Payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(f.StreamID))
	binary.BigEndian.PutUint16(out[2:4], uint16(len(f.Payload)))
	copy(out[4:], f.Payload)
	return out
}

// DecodeMuxFrame parses a single MuxFrame from the front of buf, returning
// the frame and the number of bytes consumed.
func DecodeMuxFrame(buf []byte) (MuxFrame, int, error) {
	if len(buf) < 4 {
		return MuxFrame{}, 0, ErrShortFrame
	}
	sid := StreamID(binary.BigEndian.Uint16(buf[0:2]))
	n := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < 4+n {
		return MuxFrame{}, 0, ErrShortFrame
	}
	payload := make([]byte, n)
	copy(payload, buf[4:4+n])
	return MuxFrame{StreamID: sid, Payload: payload}, 4 + n, nil
}

// MethodID identifies an authorized-API / client-safe-API method (spec
// §6.1). IDs are stable; new methods get new IDs.
type MethodID uint8

const (
	MethodSendMessage       MethodID = 1
	MethodResolveServers    MethodID = 2
	MethodGetClientCloud    MethodID = 3
	MethodCheckAccess       MethodID = 4
	MethodSendMessageEvent  MethodID = 0x81
	MethodServerDescEvent   MethodID = 0x82
	MethodClientCloudEvent  MethodID = 0x83
)

// ApiCall is the generic authorized-API envelope: `uint8 method_id, bytes
// method_args`.
type ApiCall struct {
	Method MethodID
	Args   []byte
}

// Encode serializes an ApiCall.
func (c ApiCall) Encode() []byte {
	out := make([]byte, 1+len(c.Args))
	out[0] = byte(c.Method)
	copy(out[1:], c.Args)
	return out
}

// DecodeApiCall parses an ApiCall from buf (the entire buffer is consumed
// as Args; callers further decode Args per-method).
func DecodeApiCall(buf []byte) (ApiCall, error) {
	if len(buf) < 1 {
		return ApiCall{}, ErrShortFrame
	}
	args := make([]byte, len(buf)-1)
	copy(args, buf[1:])
	return ApiCall{Method: MethodID(buf[0]), Args: args}, nil
}

// --- Method argument encodings ---

// EncodeSendMessage builds the args for MethodSendMessage: `dst_uid: 16
// bytes, data: u16-len-prefixed bytes`.
func EncodeSendMessage(dstUID [16]byte, data []byte) []byte {
	out := make([]byte, 16+2+len(data))
	copy(out[0:16], dstUID[:])
	binary.BigEndian.PutUint16(out[16:18], uint16(len(data)))
	copy(out[18:], data)
	return out
}

// DecodeSendMessage parses MethodSendMessage/MethodSendMessageEvent args.
func DecodeSendMessage(args []byte) (uid [16]byte, data []byte, err error) {
	if len(args) < 18 {
		return uid, nil, ErrShortFrame
	}
	copy(uid[:], args[0:16])
	n := int(binary.BigEndian.Uint16(args[16:18]))
	if len(args) < 18+n {
		return uid, nil, ErrShortFrame
	}
	data = make([]byte, n)
	copy(data, args[18:18+n])
	return uid, data, nil
}

// EncodeResolveServers builds the args for MethodResolveServers: `count:
// u16, server_ids: count x u16`.
func EncodeResolveServers(serverIDs []uint16) []byte {
	out := make([]byte, 2+2*len(serverIDs))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(serverIDs)))
	for i, id := range serverIDs {
		binary.BigEndian.PutUint16(out[2+2*i:4+2*i], id)
	}
	return out
}

// DecodeResolveServers parses MethodResolveServers args.
func DecodeResolveServers(args []byte) ([]uint16, error) {
	if len(args) < 2 {
		return nil, ErrShortFrame
	}
	count := int(binary.BigEndian.Uint16(args[0:2]))
	if len(args) < 2+2*count {
		return nil, ErrShortFrame
	}
	ids := make([]uint16, count)
	for i := range ids {
		ids[i] = binary.BigEndian.Uint16(args[2+2*i : 4+2*i])
	}
	return ids, nil
}

// EncodeGetClientCloud builds the args for MethodGetClientCloud: `uid: 16
// bytes`.
func EncodeGetClientCloud(uid [16]byte) []byte {
	out := make([]byte, 16)
	copy(out, uid[:])
	return out
}

// DecodeGetClientCloud parses MethodGetClientCloud/MethodCheckAccess args.
func DecodeGetClientCloud(args []byte) (uid [16]byte, err error) {
	if len(args) < 16 {
		return uid, ErrShortFrame
	}
	copy(uid[:], args[0:16])
	return uid, nil
}

// EncodeClientCloudEvent builds the args for MethodClientCloudEvent: `uid,
// cloud: u16-count x u16`.
func EncodeClientCloudEvent(uid [16]byte, cloud []uint16) []byte {
	out := make([]byte, 16+2+2*len(cloud))
	copy(out[0:16], uid[:])
	binary.BigEndian.PutUint16(out[16:18], uint16(len(cloud)))
	for i, id := range cloud {
		binary.BigEndian.PutUint16(out[18+2*i:20+2*i], id)
	}
	return out
}

// DecodeClientCloudEvent parses MethodClientCloudEvent args.
func DecodeClientCloudEvent(args []byte) (uid [16]byte, cloud []uint16, err error) {
	if len(args) < 18 {
		return uid, nil, ErrShortFrame
	}
	copy(uid[:], args[0:16])
	count := int(binary.BigEndian.Uint16(args[16:18]))
	if len(args) < 18+2*count {
		return uid, nil, ErrShortFrame
	}
	cloud = make([]uint16, count)
	for i := range cloud {
		cloud[i] = binary.BigEndian.Uint16(args[18+2*i : 20+2*i])
	}
	return uid, cloud, nil
}
