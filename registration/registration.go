package registration

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/aethernetio/aether-client-go/aethererr"
	"github.com/aethernetio/aether-client-go/cloud"
	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/pow"
	"github.com/aethernetio/aether-client-go/transport"
	"github.com/aethernetio/aether-client-go/wire"
)

// State names one step of the registration state machine (spec §4.10).
type State int

const (
	InitConnection State = iota
	GetKeys
	WaitKeys
	GetPowParams
	MakeRegistration
	RequestCloudResolving
	Registered
	Failed
)

func (s State) String() string {
	switch s {
	case InitConnection:
		return "init-connection"
	case GetKeys:
		return "get-keys"
	case WaitKeys:
		return "wait-keys"
	case GetPowParams:
		return "get-pow-params"
	case MakeRegistration:
		return "make-registration"
	case RequestCloudResolving:
		return "request-cloud-resolving"
	case Registered:
		return "registered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ResponseTimeout is the default per-step wait (spec §4.10: "20s
// default").
const ResponseTimeout = 20 * time.Second

// ServerConfig is one member of a ClientConfig's resolved cloud.
type ServerConfig struct {
	ServerID uint16
	Channels []cloud.ChannelDescriptor
}

// ClientConfig is Registration's terminal output (spec §4.10, §3): a
// client's full persisted identity, re-loadable without re-registering.
type ClientConfig struct {
	ParentUID    [16]byte
	UID          [16]byte
	EphemeralUID [16]byte
	MasterKey    [32]byte
	Cloud        []ServerConfig
}

// Profile is the opaque registration profile blob sent in
// get_asymmetric_public_key/enter (spec §4.10 leaves its shape to the
// deployment).
type Profile []byte

// Config bundles everything one Registration run needs.
type Config struct {
	// RegistrationCloud is the out-of-band cloud of trust anchors
	// (spec §4.10: "select a channel from the registration cloud").
	RegistrationCloud *cloud.Cloud
	Registry          *transport.Registry
	Scheme            crypto.Scheme
	// RegistrarKey verifies signed_key and signed_aether_global_key.
	RegistrarKey crypto.PublicKey
	ParentUID    [16]byte
	Profile      Profile
	PowMethod    byte
	Logger       *log.Logger
	Rand         io.Reader // nil selects crypto/rand.Reader
}

// Registration runs the one-time bootstrap state machine (component
// C10). It has no long-running goroutine of its own — Run executes the
// happy path (and its documented failure transitions) synchronously,
// the same "one sequential function, explicit timeouts via context" idiom
// the original action-based state machine reduces to once there's no
// cooperative scheduler to share (see DESIGN.md's Open Question note).
type Registration struct {
	cfg Config
	log *log.Logger

	mu    sync.Mutex
	state State
}

// New constructs a Registration ready to Run.
func New(cfg Config) *Registration {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Registration{cfg: cfg, log: logger, state: InitConnection}
}

// State returns the current step, useful for progress reporting while
// Run is in flight from another goroutine.
func (r *Registration) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Registration) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run executes the full registration flow against the configured
// registration cloud, trying each channel of each server in turn
// (spec §4.10: "Selection of the next channel on link error is
// deterministic: next channel in cloud; after exhausting all, Failed").
func (r *Registration) Run(ctx context.Context) (*ClientConfig, error) {
	endpoints := r.channelEndpoints()
	if len(endpoints) == 0 {
		r.setState(Failed)
		return nil, aethererr.NewRegistrationError(InitConnection.String(), transport.ErrNoChannel)
	}

	var lastErr error
	for _, ep := range endpoints {
		cfg, err := r.attempt(ctx, ep)
		if err == nil {
			r.setState(Registered)
			return cfg, nil
		}
		lastErr = err
		r.log.Warnf("registration: channel %s/%s:%d failed: %v", ep.Proto, ep.Host, ep.Port, err)
	}
	r.setState(Failed)
	return nil, lastErr
}

func (r *Registration) channelEndpoints() []transport.Endpoint {
	var eps []transport.Endpoint
	for _, id := range r.cfg.RegistrationCloud.ServerIDs() {
		server, ok := r.cfg.RegistrationCloud.Server(id)
		if !ok {
			continue
		}
		for _, ch := range server.Channels() {
			eps = append(eps, ch.Endpoint)
		}
	}
	return eps
}

func (r *Registration) attempt(ctx context.Context, ep transport.Endpoint) (*ClientConfig, error) {
	r.setState(InitConnection)
	builder, ok := r.cfg.Registry.For(ep.Proto)
	if !ok {
		return nil, aethererr.NewRegistrationError(InitConnection.String(), transport.ErrNoAdapter)
	}
	dialCtx, cancel := context.WithTimeout(ctx, ResponseTimeout)
	t, err := builder.Dial(dialCtx, ep)
	cancel()
	if err != nil {
		return nil, aethererr.NewRegistrationError(InitConnection.String(), err)
	}

	registrarPub, err := r.getKeys(ctx, t)
	if err != nil {
		return nil, err
	}

	ephemeral, returnKey, pp, globalKey, err := r.getPowParams(ctx, t, registrarPub)
	if err != nil {
		return nil, err
	}
	_ = ephemeral

	cfg, err := r.makeRegistration(ctx, t, returnKey, pp, globalKey)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// getKeys performs InitConnection -> GetKeys -> WaitKeys: request and
// verify the registrar's long-term hybrid public key.
func (r *Registration) getKeys(ctx context.Context, t transport.Transport) (*crypto.HybridPublicKey, error) {
	r.setState(GetKeys)
	call := regCall{Method: regGetAsymmetricPublicKey, Args: encodeGetAsymmetricPublicKey(r.cfg.Profile)}
	if err := writeFrame(ctx, t, call.encode()); err != nil {
		return nil, aethererr.NewRegistrationError(GetKeys.String(), err)
	}

	r.setState(WaitKeys)
	respCtx, cancel := context.WithTimeout(ctx, ResponseTimeout)
	defer cancel()
	buf, err := readFrame(respCtx, t)
	if err != nil {
		return nil, aethererr.NewRegistrationError(WaitKeys.String(), err)
	}
	pub, sig, err := decodeSignedHybridKey(buf)
	if err != nil {
		return nil, aethererr.NewRegistrationError(WaitKeys.String(), err)
	}
	if err := r.cfg.RegistrarKey.Verify(encodeHybridPubKey(pub), sig[:]); err != nil {
		return nil, aethererr.NewRegistrationError(WaitKeys.String(), err)
	}
	return pub, nil
}

// getPowParams performs GetPowParams: derive an ephemeral return-key
// from a fresh hybrid exchange with the registrar's long-term key, send
// enter + request_proof_of_work_data under it, and verify the signed
// aether_global_key that comes back.
func (r *Registration) getPowParams(ctx context.Context, t transport.Transport, registrarPub *crypto.HybridPublicKey) (*crypto.HybridKeyPair, [32]byte, powParams, [32]byte, error) {
	r.setState(GetPowParams)
	var zero [32]byte

	ephemeral, err := crypto.GenerateHybridKeyPair(r.cfg.Rand)
	if err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}
	secret, err := ephemeral.SharedSecret(registrarPub)
	if err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}
	returnKeySlice, err := crypto.DeriveFromSecret(secret, nil, "aethernet registration return key")
	if err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}
	var returnKey [32]byte
	copy(returnKey[:], returnKeySlice)

	// The registrar can't derive returnKey without our ephemeral public
	// key, so it travels as a raw preamble frame ahead of the session it
	// keys (mirrors a standard ephemeral-ECDH handshake's first message).
	if err := writeFrame(ctx, t, encodeHybridPubKey(ephemeral.Public())); err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}

	sess, err := wire.NewSession(t, r.cfg.Scheme, returnKey[:])
	if err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}

	enterCall := regCall{Method: regEnter, Args: encodeEnter(r.cfg.Profile)}
	if err := sess.Send(ctx, enterCall.encode()); err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}
	powCall := regCall{Method: regRequestPowData, Args: encodeRequestPowData(r.cfg.ParentUID, r.cfg.PowMethod)}
	if err := sess.Send(ctx, powCall.encode()); err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}

	respCtx, cancel := context.WithTimeout(ctx, ResponseTimeout)
	defer cancel()
	buf, err := sess.Recv(respCtx)
	if err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}
	resp, err := decodeRegCall(buf)
	if err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}
	pp, globalKey, sig, err := decodePowReply(resp.Args)
	if err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}
	if err := r.cfg.RegistrarKey.Verify(globalKey[:], sig[:]); err != nil {
		return nil, zero, powParams{}, zero, aethererr.NewRegistrationError(GetPowParams.String(), err)
	}
	return ephemeral, returnKey, pp, globalKey, nil
}

// makeRegistration performs MakeRegistration -> RequestCloudResolving:
// compute proofs, generate the client's master key, register over a
// fresh session keyed to aether_global_key, then resolve the assigned
// cloud's channels.
func (r *Registration) makeRegistration(ctx context.Context, t transport.Transport, returnKey [32]byte, pp powParams, globalKey [32]byte) (*ClientConfig, error) {
	r.setState(MakeRegistration)

	proofs, err := pow.Compute(ctx, pow.Params{
		Salt:     pp.Salt,
		PwSuffix: pp.PwSuffix,
		MaxHash:  pp.MaxHash,
		PoolSize: int(pp.PoolSize),
	})
	if err != nil {
		return nil, aethererr.NewRegistrationError(MakeRegistration.String(), err)
	}

	var masterKey [32]byte
	if _, err := io.ReadFull(r.cfg.Rand, masterKey[:]); err != nil {
		return nil, aethererr.NewRegistrationError(MakeRegistration.String(), err)
	}

	sess, err := wire.NewSession(t, r.cfg.Scheme, globalKey[:])
	if err != nil {
		return nil, aethererr.NewRegistrationError(MakeRegistration.String(), err)
	}

	registerCall := regCall{Method: regRegister, Args: encodeRegister(pp.Salt, pp.PwSuffix, proofs, r.cfg.ParentUID, returnKey)}
	if err := sess.Send(ctx, registerCall.encode()); err != nil {
		return nil, aethererr.NewRegistrationError(MakeRegistration.String(), err)
	}
	setKeyCall := regCall{Method: regSetMasterKey, Args: encodeSetMasterKey(masterKey)}
	if err := sess.Send(ctx, setKeyCall.encode()); err != nil {
		return nil, aethererr.NewRegistrationError(MakeRegistration.String(), err)
	}
	finishCall := regCall{Method: regFinish, Args: encodeFinish()}
	if err := sess.Send(ctx, finishCall.encode()); err != nil {
		return nil, aethererr.NewRegistrationError(MakeRegistration.String(), err)
	}

	respCtx, cancel := context.WithTimeout(ctx, ResponseTimeout)
	defer cancel()
	buf, err := sess.Recv(respCtx)
	if err != nil {
		return nil, aethererr.NewRegistrationError(MakeRegistration.String(), err)
	}
	resp, err := decodeRegCall(buf)
	if err != nil {
		return nil, aethererr.NewRegistrationError(MakeRegistration.String(), err)
	}
	fin, err := decodeFinishReply(resp.Args)
	if err != nil {
		return nil, aethererr.NewRegistrationError(MakeRegistration.String(), err)
	}

	r.setState(RequestCloudResolving)
	if err := sess.Send(ctx, wire.EncodeResolveServers(fin.Cloud)); err != nil {
		return nil, aethererr.NewRegistrationError(RequestCloudResolving.String(), err)
	}
	respCtx2, cancel2 := context.WithTimeout(ctx, ResponseTimeout)
	defer cancel2()
	resolveBuf, err := sess.Recv(respCtx2)
	if err != nil {
		return nil, aethererr.NewRegistrationError(RequestCloudResolving.String(), err)
	}
	descs, err := cloud.DecodeResolveServersReply(resolveBuf)
	if err != nil {
		return nil, aethererr.NewRegistrationError(RequestCloudResolving.String(), err)
	}

	servers := make([]ServerConfig, 0, len(fin.Cloud))
	for _, id := range fin.Cloud {
		for _, d := range descs {
			if d.ServerID == id {
				servers = append(servers, ServerConfig{ServerID: id, Channels: d.Channels})
				break
			}
		}
	}

	return &ClientConfig{
		ParentUID:    r.cfg.ParentUID,
		UID:          fin.UID,
		EphemeralUID: fin.EphemeralUID,
		MasterKey:    masterKey,
		Cloud:        servers,
	}, nil
}

func writeFrame(ctx context.Context, t transport.Transport, frame []byte) error {
	status, err := t.Write(ctx, frame)
	if err != nil {
		return err
	}
	if status != transport.Sent {
		return fmt.Errorf("registration: write status %v", status)
	}
	return nil
}

func readFrame(ctx context.Context, t transport.Transport) ([]byte, error) {
	f, err := t.Read(ctx)
	if err != nil {
		return nil, err
	}
	return f.Bytes, nil
}
