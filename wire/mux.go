package wire

import (
	"context"
	"errors"
	"sync"

	channels "gopkg.in/eapache/channels.v1"

	"github.com/aethernetio/aether-client-go/aethererr"
)

// Mux multiplexes logical streams identified by StreamID over one Session
// (spec §4.3, component C3). A stream is opened lazily on first use and
// stays open until a zero-length terminator frame arrives or Close is
// called; dropping the last reference to a stream does not close it.
// Per-stream inbound queues are infinite
// channels (gopkg.in/eapache/channels.v1), the same "never block the
// reader" idiom used for the per-recipient inbound queues in the
// teacher's session.go example (`s.Messages map[string]chan []byte`),
// generalized from a fixed channel to an unbounded one so a slow stream
// consumer cannot stall the mux's single read loop.
type Mux struct {
	session *Session

	mu      sync.Mutex
	streams map[StreamID]*muxStream
}

type muxStream struct {
	id  StreamID
	in  *channels.InfiniteChannel
	mux *Mux
}

// NewMux wraps a Session with stream multiplexing.
func NewMux(s *Session) *Mux {
	return &Mux{session: s, streams: make(map[StreamID]*muxStream)}
}

// Open returns (creating if necessary) the stream identified by id.
func (m *Mux) Open(id StreamID) *muxStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		st = &muxStream{id: id, in: channels.NewInfiniteChannel(), mux: m}
		m.streams[id] = st
	}
	return st
}

// Close removes a stream's inbound queue. Further frames for that id are
// still accepted (Open recreates it) per spec §4.3 "closing is implicit".
func (m *Mux) Close(id StreamID) {
	m.mu.Lock()
	st, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()
	if ok {
		st.in.Close()
	}
}

// Write sends payload on stream id.
func (m *Mux) Write(ctx context.Context, id StreamID, payload []byte) error {
	return m.session.Send(ctx, MuxFrame{StreamID: id, Payload: payload}.Encode())
}

// Pump runs the Session's read loop, demultiplexing each decrypted
// StreamMuxFrame into its stream's inbound queue. It returns when Recv
// fails on the transport (link failure or ctx cancellation). A frame that
// fails to decrypt or decode is dropped and reported to onProtocolError,
// and the loop goes on (spec §7: a single CryptoError/ProtocolError does
// not tear down the session).
func (m *Mux) Pump(ctx context.Context, onProtocolError func(error)) error {
	for {
		pt, err := m.session.Recv(ctx)
		if err != nil {
			var cerr *aethererr.CryptoError
			if !errors.As(err, &cerr) {
				return err
			}
			if onProtocolError != nil {
				onProtocolError(err)
			}
			continue
		}
		frame, _, ferr := DecodeMuxFrame(pt)
		if ferr != nil {
			if onProtocolError != nil {
				onProtocolError(ferr)
			}
			continue
		}
		if len(frame.Payload) == 0 {
			m.Close(frame.StreamID)
			continue
		}
		st := m.Open(frame.StreamID)
		st.in.In() <- frame.Payload
	}
}

// Recv blocks until the next payload for this stream arrives.
func (s *muxStream) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case v, ok := <-s.in.Out():
		if !ok {
			return nil, false
		}
		return v.([]byte), true
	case <-ctx.Done():
		return nil, false
	}
}

// Write sends payload on this stream.
func (s *muxStream) Write(ctx context.Context, payload []byte) error {
	return s.mux.Write(ctx, s.id, payload)
}

// ID returns the stream's identifier.
func (s *muxStream) ID() StreamID { return s.id }
