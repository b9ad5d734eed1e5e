// Package safestream implements SafeStream (spec §4.7, component C7): a
// reliable, ordered, fragmenting datagram protocol between two UIDs
// layered over the authorized-API send_message call. Its retransmission
// scheduling is a direct generalization of the teacher's client2/arq.go
// ARQ (unacked-map + deadline-ordered timer queue), re-keyed from SURB ID
// to (peer, seq) since SafeStream acknowledges by sequence number rather
// than by SURB reply.
package safestream

import (
	"encoding/binary"

	"github.com/aethernetio/aether-client-go/wire"
)

// FrameKind identifies a SafeFrame's payload shape (spec §6.1).
type FrameKind uint8

const (
	KindData FrameKind = 0
	KindAck  FrameKind = 1
	KindNack FrameKind = 2
	KindInit FrameKind = 3
)

// DataFrame carries one fragment of a user message.
type DataFrame struct {
	Seq    uint16
	Offset uint16
	Total  uint16
	Bytes  []byte
}

// AckFrame cumulatively acknowledges [SeqFirst, SeqLast] inclusive, mod
// 2^16.
type AckFrame struct {
	SeqFirst uint16
	SeqLast  uint16
}

// NackFrame requests retransmission of a single sequence number.
type NackFrame struct {
	Seq uint16
}

// InitFrame (re)synchronizes the receiver's expected sequence number,
// sent on first connect or after a long gap (spec §4.7).
type InitFrame struct {
	InitialSeq uint16
}

// EncodeData serializes a DATA frame: `u16 seq, u16 offset, u16 total,
// u16 len, bytes`.
func EncodeData(f DataFrame) []byte {
	out := make([]byte, 1+8+len(f.Bytes))
	out[0] = byte(KindData)
	binary.BigEndian.PutUint16(out[1:3], f.Seq)
	binary.BigEndian.PutUint16(out[3:5], f.Offset)
	binary.BigEndian.PutUint16(out[5:7], f.Total)
	binary.BigEndian.PutUint16(out[7:9], uint16(len(f.Bytes)))
	copy(out[9:], f.Bytes)
	return out
}

// EncodeAck serializes an ACK frame.
func EncodeAck(f AckFrame) []byte {
	out := make([]byte, 5)
	out[0] = byte(KindAck)
	binary.BigEndian.PutUint16(out[1:3], f.SeqFirst)
	binary.BigEndian.PutUint16(out[3:5], f.SeqLast)
	return out
}

// EncodeNack serializes a NACK frame.
func EncodeNack(f NackFrame) []byte {
	out := make([]byte, 3)
	out[0] = byte(KindNack)
	binary.BigEndian.PutUint16(out[1:3], f.Seq)
	return out
}

// EncodeInit serializes an INIT frame.
func EncodeInit(f InitFrame) []byte {
	out := make([]byte, 3)
	out[0] = byte(KindInit)
	binary.BigEndian.PutUint16(out[1:3], f.InitialSeq)
	return out
}

// Decode parses the leading SafeFrame from buf, dispatching on kind.
// Exactly one of the returned frame values is non-nil.
func Decode(buf []byte) (kind FrameKind, data *DataFrame, ack *AckFrame, nack *NackFrame, init *InitFrame, err error) {
	if len(buf) < 1 {
		return 0, nil, nil, nil, nil, wire.ErrShortFrame
	}
	kind = FrameKind(buf[0])
	body := buf[1:]
	switch kind {
	case KindData:
		if len(body) < 8 {
			return 0, nil, nil, nil, nil, wire.ErrShortFrame
		}
		seq := binary.BigEndian.Uint16(body[0:2])
		offset := binary.BigEndian.Uint16(body[2:4])
		total := binary.BigEndian.Uint16(body[4:6])
		n := int(binary.BigEndian.Uint16(body[6:8]))
		if len(body) < 8+n {
			return 0, nil, nil, nil, nil, wire.ErrShortFrame
		}
		b := make([]byte, n)
		copy(b, body[8:8+n])
		data = &DataFrame{Seq: seq, Offset: offset, Total: total, Bytes: b}
	case KindAck:
		if len(body) < 4 {
			return 0, nil, nil, nil, nil, wire.ErrShortFrame
		}
		ack = &AckFrame{SeqFirst: binary.BigEndian.Uint16(body[0:2]), SeqLast: binary.BigEndian.Uint16(body[2:4])}
	case KindNack:
		if len(body) < 2 {
			return 0, nil, nil, nil, nil, wire.ErrShortFrame
		}
		nack = &NackFrame{Seq: binary.BigEndian.Uint16(body[0:2])}
	case KindInit:
		if len(body) < 2 {
			return 0, nil, nil, nil, nil, wire.ErrShortFrame
		}
		init = &InitFrame{InitialSeq: binary.BigEndian.Uint16(body[0:2])}
	default:
		return 0, nil, nil, nil, nil, wire.ErrShortFrame
	}
	return kind, data, ack, nack, init, nil
}

// seqInWindow reports whether seq lies in [base, base+window) modulo 2^16.
func seqInWindow(seq, base, window uint16) bool {
	return seq-base < window
}

// seqLess reports whether a precedes b in modulo-2^16 sequence order,
// using the conventional half-range comparison (spec §4.7: "window_size
// < 2^15 so that sequence-number arithmetic is unambiguous").
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}
