// Package serversession implements ServerSession (spec §4.4, component
// C4): one StreamMux on one CryptoSession on one Transport to one Server,
// with the Connecting/Linked/Failing/Dead state machine and the
// authorized-API dispatcher. Its connect/retry loop is a direct
// generalization of the teacher's client2/connection.go connectWorker /
// doConnect (PKI-driven Provider dial, retry backoff, handshake, then a
// dispatch loop keyed on a single-threaded select).
package serversession

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aethernetio/aether-client-go/aethererr"
	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/internal/worker"
	"github.com/aethernetio/aether-client-go/transport"
	"github.com/aethernetio/aether-client-go/wire"

	"github.com/charmbracelet/log"
)

// State is one of the four ServerSession states (spec §4.4).
type State int

const (
	Connecting State = iota
	Linked
	Failing
	Dead
)

func (s State) String() string {
	switch s {
	case Linked:
		return "linked"
	case Failing:
		return "failing"
	case Dead:
		return "dead"
	default:
		return "connecting"
	}
}

const (
	// maxRetries is the retry-count threshold at which Failing -> Dead
	// (spec §4.4).
	maxRetries = 5
	// retryBackoffBase/Max bound the Failing -> Connecting retry timer.
	retryBackoffBase = 500 * time.Millisecond
	retryBackoffMax  = 30 * time.Second
	// protocolErrorThreshold is N in "tear down after N in a row" (spec §7).
	protocolErrorThreshold = 3
)

// Endpoint identifies the channel (server + endpoint + adapter) a
// ServerSession should connect over.
type Endpoint struct {
	ServerID uint16
	Target   transport.Endpoint
}

// Dialer resolves and dials the next-preferred channel for a server,
// returning a fresh Transport. Session emits no channel-changed
// notification: the onChannelChanged field is never set or invoked, and
// a different channel is only picked up by the next Dial.
type Dialer interface {
	Dial(ctx context.Context) (transport.Transport, error)
}

// Session is one ServerSession.
type Session struct {
	worker.Worker
	log *log.Logger

	serverID uint16
	dialer   Dialer
	sessKey  []byte
	scheme   crypto.Scheme

	mu               sync.RWMutex
	state            State
	retries          int
	consecProtoErrs  int
	mux              *wire.Mux
	onStateChange    func(State)
	onChannelChanged func()
}

// New constructs a ServerSession. It does not connect until Start is
// called.
func New(serverID uint16, dialer Dialer, scheme crypto.Scheme, sessionKey []byte, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		log:      logger.With("server", serverID),
		serverID: serverID,
		dialer:   dialer,
		scheme:   scheme,
		sessKey:  sessionKey,
		state:    Connecting,
	}
}

// ServerID returns the server this session talks to.
func (s *Session) ServerID() uint16 { return s.serverID }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnStateChange registers a callback invoked (from the session's worker
// goroutine) whenever State() transitions. CloudConnections uses this to
// notice Dead and requarantine.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onStateChange = fn
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	cb := s.onStateChange
	s.mu.Unlock()
	if changed {
		s.log.Debugf("state -> %s", st)
		if cb != nil {
			cb(st)
		}
	}
}

// Start launches the connect/reconnect worker loop.
func (s *Session) Start() {
	s.Go(s.run)
}

// Stop halts the session and tears down its transport.
func (s *Session) Stop() {
	s.HaltAndWait()
}

func (s *Session) run() {
	for {
		select {
		case <-s.HaltCh():
			return
		default:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.HaltCh():
				cancel()
			case <-ctx.Done():
			}
		}()

		t, err := s.dialer.Dial(ctx)
		if err != nil {
			cancel()
			if !s.backoffOrDie() {
				return
			}
			continue
		}

		sess, err := wire.NewSession(t, s.scheme, s.sessKey)
		if err != nil {
			t.Close()
			cancel()
			if !s.backoffOrDie() {
				return
			}
			continue
		}

		if err := s.handshake(ctx, sess); err != nil {
			t.Close()
			cancel()
			if !s.backoffOrDie() {
				return
			}
			continue
		}

		s.mu.Lock()
		s.retries = 0
		s.mux = wire.NewMux(sess)
		mux := s.mux
		s.mu.Unlock()
		s.setState(Linked)

		err = mux.Pump(ctx, s.onProtocolError)
		cancel()
		t.Close()
		s.mu.Lock()
		s.mux = nil
		s.mu.Unlock()

		select {
		case <-s.HaltCh():
			return
		default:
		}
		s.setState(Failing)
		_ = err
		if !s.backoffOrDie() {
			return
		}
	}
}

// handshake performs the liveness/authentication exchange that gates
// Connecting -> Linked (spec §4.4: "first successful crypto handshake
// response"). Session keys are already pre-shared (derived from the
// client's master key, see crypto.DeriveServerKey); this exchange only
// confirms both ends hold the same key and establishes nonce state,
// mirroring the teacher's onTCPConn/onWireConn handshake step without
// renegotiating keys per connection.
func (s *Session) handshake(ctx context.Context, sess *wire.Session) error {
	hello := wire.ApiCall{Method: wire.MethodCheckAccess, Args: []byte("hello")}.Encode()
	if err := sess.Send(ctx, hello); err != nil {
		return err
	}
	reply, err := sess.Recv(ctx)
	if err != nil {
		return err
	}
	call, err := wire.DecodeApiCall(reply)
	if err != nil || call.Method != wire.MethodCheckAccess {
		return aethererr.NewProtocolError("unexpected handshake reply")
	}
	return nil
}

func (s *Session) onProtocolError(err error) {
	s.mu.Lock()
	s.consecProtoErrs++
	n := s.consecProtoErrs
	s.mu.Unlock()
	s.log.Warnf("protocol error (%d/%d): %v", n, protocolErrorThreshold, err)
	if n >= protocolErrorThreshold {
		s.mu.Lock()
		mux := s.mux
		s.mu.Unlock()
		if mux != nil {
			mux.Close(0)
		}
	}
}

// backoffOrDie waits the retry backoff (or Dead-izes the session) and
// returns false if the session should stop retrying.
func (s *Session) backoffOrDie() bool {
	s.mu.Lock()
	s.retries++
	n := s.retries
	s.mu.Unlock()

	if n >= maxRetries {
		s.setState(Dead)
		return false
	}
	s.setState(Connecting)

	delay := retryBackoffBase * time.Duration(1<<uint(n-1))
	if delay > retryBackoffMax {
		delay = retryBackoffMax
	}
	select {
	case <-time.After(delay):
		return true
	case <-s.HaltCh():
		return false
	}
}

// Call makes a request/response authorized-API call over this session's
// mux on stream 0 and waits for a matching reply. It is the building
// block CloudRequest uses per target (spec §4.4 dispatcher, §4.6).
func (s *Session) Call(ctx context.Context, call wire.ApiCall) (wire.ApiCall, error) {
	s.mu.RLock()
	mux := s.mux
	st := s.state
	s.mu.RUnlock()
	if st != Linked || mux == nil {
		return wire.ApiCall{}, aethererr.ErrNoServers
	}
	stream := mux.Open(0)
	if err := stream.Write(ctx, call.Encode()); err != nil {
		return wire.ApiCall{}, aethererr.NewTransportError(err)
	}
	payload, ok := stream.Recv(ctx)
	if !ok {
		return wire.ApiCall{}, errors.New("serversession: call cancelled")
	}
	return wire.DecodeApiCall(payload)
}
