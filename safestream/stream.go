package safestream

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/yawning/bloom"

	"github.com/aethernetio/aether-client-go/aethererr"
	"github.com/aethernetio/aether-client-go/internal/timerqueue"
)

// fragment is one queued or in-flight DATA frame belonging to a message.
type fragment struct {
	msg     *outMessage
	seq     uint16
	offset  uint16
	total   uint16
	bytes   []byte
	repeats int
}

// outMessage tracks one user write until every one of its fragments is
// acked or any of them exhausts retransmits (spec §4.7 "a message is
// failed only if any of its fragments exhausts retransmits").
type outMessage struct {
	pending int
	failed  bool
	done    chan error
}

// reassembly accumulates DATA fragments for one inbound message until
// every offset 0..total-1 has arrived.
type reassembly struct {
	total   uint16
	have    int
	parts   [][]byte
	present []bool
}

// Stream is SafeStream (spec §4.7, component C7): a reliable, ordered,
// fragmenting datagram protocol to one peer UID. Retransmission is
// driven by an internal/timerqueue.TimerQueue keyed by sequence number,
// generalizing the teacher's client2/arq.go ARQ from SURB-ID-keyed
// retransmission to (implicitly, via this Stream's identity) peer+seq.
type Stream struct {
	log    *log.Logger
	cfg    Config
	sender Sender

	mu sync.Mutex

	// sender state
	nextSeq  uint16
	unacked  map[uint16]*fragment
	buffered []*fragment
	timerQ   *timerqueue.TimerQueue

	// receiver state
	expectedSeq  uint16
	reasm        map[uint16]*reassembly
	receivedSeqs map[uint16]bool // seqs stored but not yet past expectedSeq; also gates duplicate detection once a seq falls outside the window
	pendingAckLo, pendingAckHi uint16
	havePendingAck             bool

	// staleDup catches the rarer case: a frame for a seq that has already
	// slid out of the window (so receivedSeqs no longer has it) arriving
	// again because its cumulative ACK was lost. Sized 4*window_size,
	// reset every time expected_seq crosses a full window boundary.
	staleDup      *bloom.BloomFilter
	staleDupEpoch uint16

	onMessage func([]byte)

	closed bool
}

// New constructs a Stream that delivers reassembled messages to onMessage
// and sends frames through sender.
func New(cfg Config, sender Sender, onMessage func([]byte), logger *log.Logger) *Stream {
	if logger == nil {
		logger = log.Default()
	}
	s := &Stream{
		log:          logger,
		cfg:          cfg,
		sender:       sender,
		unacked:      make(map[uint16]*fragment),
		reasm:        make(map[uint16]*reassembly),
		receivedSeqs: make(map[uint16]bool),
		onMessage:    onMessage,
	}
	s.timerQ = timerqueue.New(s.onTimerFire, nowNanos)
	s.staleDup = newStaleDupFilter(cfg.WindowSize)
	return s
}

func newStaleDupFilter(windowSize uint16) *bloom.BloomFilter {
	n := uint(4) * uint(windowSize)
	if n == 0 {
		n = 4
	}
	return bloom.NewWithEstimates(n, 0.01)
}

func seqKey(seq uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, seq)
	return b
}

func nowNanos() uint64 { return uint64(time.Now().UnixNano()) }

// Start launches the retransmit timer queue. Must be called before Write.
func (s *Stream) Start() { s.timerQ.Start() }

// Stop halts the retransmit timer queue and marks the stream closed.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.timerQ.Halt()
	s.timerQ.Wait()
}

// Closed reports whether Stop has been called, used by MessageStreamManager
// to purge dead entries from its peer_uid map on access (spec §4.8).
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Write fragments data and enqueues it for reliable delivery, returning
// once every fragment has been acked, any fragment has exhausted
// retransmits (ErrPeerUnreachable), or ctx is done. BufferFull is
// returned synchronously if there is no room to queue (spec §4.7 step 2).
func (s *Stream) Write(ctx context.Context, data []byte) error {
	msg, err := s.enqueue(data)
	if err != nil {
		return err
	}
	s.pump()

	select {
	case err := <-msg.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) enqueue(data []byte) (*outMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, aethererr.ErrCancelled
	}

	maxPayload := int(s.cfg.MaxPayload)
	if maxPayload <= 0 {
		maxPayload = 1
	}
	n := (len(data) + maxPayload - 1) / maxPayload
	if n == 0 {
		n = 1
	}

	if len(s.buffered)+len(s.unacked)+n > s.cfg.BufferCapacity {
		return nil, aethererr.ErrBufferFull
	}

	msg := &outMessage{pending: n, done: make(chan error, 1)}
	for i := 0; i < n; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}
		f := &fragment{msg: msg, offset: uint16(i), total: uint16(n), bytes: data[start:end]}
		s.buffered = append(s.buffered, f)
	}
	return msg, nil
}

// pump assigns sequence numbers to buffered fragments while the unacked
// window has room, and sends them (spec §4.7 step 3).
func (s *Stream) pump() {
	ctx := context.Background()
	for {
		s.mu.Lock()
		if s.closed || len(s.buffered) == 0 || len(s.unacked) >= int(s.cfg.WindowSize) {
			s.mu.Unlock()
			return
		}
		f := s.buffered[0]
		s.buffered = s.buffered[1:]
		f.seq = s.nextSeq
		s.nextSeq++
		s.unacked[f.seq] = f
		deadline := nowNanos() + uint64(s.cfg.SendRepeatTimeout)
		s.mu.Unlock()

		s.timerQ.Push(deadline, f.seq)
		s.sendData(ctx, f)
	}
}

func (s *Stream) sendData(ctx context.Context, f *fragment) {
	frame := EncodeData(DataFrame{Seq: f.seq, Offset: f.offset, Total: f.total, Bytes: f.bytes})
	if err := s.sender.SendFrame(ctx, frame); err != nil {
		s.log.Warnf("safestream: send failed, will retry on timer: %v", err)
	}
}

// onTimerFire is the timerqueue callback: resend seq if still unacked and
// under the retry limit, else fail its message (spec §4.7 "Retransmit").
func (s *Stream) onTimerFire(v interface{}) {
	seq := v.(uint16)

	s.mu.Lock()
	f, ok := s.unacked[seq]
	if !ok {
		s.mu.Unlock()
		return
	}
	if f.repeats >= s.cfg.MaxRepeatCount {
		delete(s.unacked, seq)
		s.failMessage(f.msg)
		s.mu.Unlock()
		s.pump()
		return
	}
	f.repeats++
	deadline := nowNanos() + uint64(s.cfg.SendRepeatTimeout)
	s.mu.Unlock()

	s.timerQ.Push(deadline, seq)
	s.sendData(context.Background(), f)
}

func (s *Stream) failMessage(msg *outMessage) {
	if msg.failed {
		return
	}
	msg.failed = true
	select {
	case msg.done <- aethererr.ErrPeerUnreachable:
	default:
	}
}

func (s *Stream) completeFragment(f *fragment) {
	msg := f.msg
	msg.pending--
	if msg.pending == 0 && !msg.failed {
		select {
		case msg.done <- nil:
		default:
		}
	}
}

// HandleIncoming processes one SafeFrame received from the peer.
func (s *Stream) HandleIncoming(ctx context.Context, frame []byte) {
	kind, data, ack, nack, init, err := Decode(frame)
	if err != nil {
		s.log.Warnf("safestream: malformed frame: %v", err)
		return
	}
	switch kind {
	case KindData:
		s.handleData(ctx, *data)
	case KindAck:
		s.handleAck(*ack)
	case KindNack:
		s.handleNack(ctx, *nack)
	case KindInit:
		s.handleInit(*init)
	}
}

func (s *Stream) handleAck(a AckFrame) {
	s.mu.Lock()
	seq := a.SeqFirst
	for {
		if f, ok := s.unacked[seq]; ok {
			delete(s.unacked, seq)
			s.completeFragment(f)
		}
		if seq == a.SeqLast {
			break
		}
		seq++
	}
	s.mu.Unlock()
	s.pump()
}

func (s *Stream) handleNack(ctx context.Context, n NackFrame) {
	s.mu.Lock()
	f, ok := s.unacked[n.Seq]
	s.mu.Unlock()
	if ok {
		s.sendData(ctx, f)
	}
}

func (s *Stream) handleInit(i InitFrame) {
	s.mu.Lock()
	s.expectedSeq = i.InitialSeq
	s.reasm = make(map[uint16]*reassembly)
	s.mu.Unlock()
}

func (s *Stream) handleData(ctx context.Context, d DataFrame) {
	s.mu.Lock()

	if !seqInWindow(d.Seq, s.expectedSeq, s.cfg.WindowSize) {
		isStaleDup := s.staleDup.Test(seqKey(d.Seq))
		isAhead := seqLess(s.expectedSeq, d.Seq)
		lo, hi, have := s.pendingAckLo, s.pendingAckHi, s.havePendingAck
		s.mu.Unlock()
		// An out-of-window frame is dropped. It is answered with an ACK of
		// the pending range when it is ahead of the window or recognized as
		// one already delivered; a frame behind the window that the filter
		// does not recognize gets no ACK.
		if have && (isStaleDup || isAhead) {
			s.sendAck(ctx, lo, hi)
		}
		return
	}

	if s.receivedSeqs[d.Seq] {
		// Duplicate: already stored (and possibly already delivered).
		lo, hi := s.pendingAckLo, s.pendingAckHi
		s.mu.Unlock()
		s.sendAck(ctx, lo, hi)
		return
	}
	s.receivedSeqs[d.Seq] = true

	base := d.Seq - d.Offset
	r, ok := s.reasm[base]
	if !ok {
		r = &reassembly{total: d.Total, parts: make([][]byte, d.Total), present: make([]bool, d.Total)}
		s.reasm[base] = r
	}
	if !r.present[d.Offset] {
		r.present[d.Offset] = true
		r.parts[d.Offset] = d.Bytes
		r.have++
	}

	if !s.havePendingAck {
		s.pendingAckLo, s.pendingAckHi = d.Seq, d.Seq
		s.havePendingAck = true
	} else {
		if seqLess(d.Seq, s.pendingAckLo) {
			s.pendingAckLo = d.Seq
		}
		if seqLess(s.pendingAckHi, d.Seq) {
			s.pendingAckHi = d.Seq
		}
	}

	if d.Seq == s.expectedSeq {
		s.advanceExpected()
	}

	complete := r.have == int(r.total)
	var full []byte
	if complete {
		full = concatParts(r.parts)
		delete(s.reasm, base)
	}

	lo, hi := s.pendingAckLo, s.pendingAckHi
	s.mu.Unlock()

	if complete {
		s.onMessage(full)
	}
	s.sendAck(ctx, lo, hi)
}

// advanceExpected slides expectedSeq past every contiguously-stored seq
// (spec §4.7 receiver step 3: "advance expected_seq past all contiguous
// stored"), independent of whether each seq's message has finished
// reassembling.
func (s *Stream) advanceExpected() {
	for s.receivedSeqs[s.expectedSeq] {
		delete(s.receivedSeqs, s.expectedSeq)
		s.staleDup.Add(seqKey(s.expectedSeq))
		s.expectedSeq++
		s.staleDupEpoch++
		if s.staleDupEpoch >= s.cfg.WindowSize {
			s.staleDup = newStaleDupFilter(s.cfg.WindowSize)
			s.staleDupEpoch = 0
		}
	}
}

func (s *Stream) sendAck(ctx context.Context, lo, hi uint16) {
	frame := EncodeAck(AckFrame{SeqFirst: lo, SeqLast: hi})
	if err := s.sender.SendFrame(ctx, frame); err != nil {
		s.log.Debugf("safestream: ack send failed: %v", err)
	}
}

func concatParts(parts [][]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
