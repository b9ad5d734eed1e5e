package registration

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aethernetio/aether-client-go/cloud"
	"github.com/aethernetio/aether-client-go/crypto"
	"github.com/aethernetio/aether-client-go/transport"
	"github.com/aethernetio/aether-client-go/wire"
)

func TestStateString(t *testing.T) {
	require.Equal(t, "get-pow-params", GetPowParams.String())
	require.Equal(t, "unknown", State(99).String())
}

// pipeTransport is a channel-backed transport.Transport used to link a
// Registration under test directly to a fake registrar goroutine, without
// a real network adapter.
type pipeTransport struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (client, server *pipeTransport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &pipeTransport{out: ab, in: ba}, &pipeTransport{out: ba, in: ab}
}

func (p *pipeTransport) Write(ctx context.Context, b []byte) (transport.SendStatus, error) {
	cp := append([]byte(nil), b...)
	select {
	case p.out <- cp:
		return transport.Sent, nil
	case <-ctx.Done():
		return transport.Stopped, ctx.Err()
	}
}

func (p *pipeTransport) Read(ctx context.Context) (transport.Frame, error) {
	select {
	case b := <-p.in:
		return transport.Frame{Bytes: b, Recv: time.Now()}, nil
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (p *pipeTransport) Updates() <-chan transport.Info { return nil }
func (p *pipeTransport) Info() transport.Info {
	return transport.Info{LinkState: transport.LinkLinked, MaxPacketSize: 65507, Reliable: true}
}
func (p *pipeTransport) Close() error { return nil }

type pipeBuilder struct {
	t *pipeTransport
}

func (b *pipeBuilder) Name() string { return "tcp" }
func (b *pipeBuilder) Dial(ctx context.Context, ep transport.Endpoint) (transport.Transport, error) {
	return b.t, nil
}

// ed25519Signer adapts the stdlib's ed25519 to the crypto.PublicKey.Verify
// contract (both are plain RFC 8032 Ed25519, just a different source of
// the verifying half).
type ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  crypto.PublicKey
}

func newEd25519Signer(t *testing.T) *ed25519Signer {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var pk crypto.PublicKey
	copy(pk[:], pub)
	return &ed25519Signer{priv: priv, pub: pk}
}

func (s *ed25519Signer) sign(msg []byte) [crypto.SignatureSize]byte {
	var sig [crypto.SignatureSize]byte
	copy(sig[:], ed25519.Sign(s.priv, msg))
	return sig
}

// fakeRegistrar drives the server side of one registration attempt over
// serverT, mirroring the exact sequence Registration.attempt expects, and
// reports any failure through errc rather than calling into testing.T
// from a non-test goroutine.
func fakeRegistrar(serverT *pipeTransport, signer *ed25519Signer, scheme crypto.Scheme, fin finishReply, descs []*cloud.ServerDescriptor) error {
	ctx := context.Background()

	// get_asymmetric_public_key -> signed_key
	regHybrid, err := crypto.GenerateHybridKeyPair(nil)
	if err != nil {
		return err
	}
	if _, err := readFrame(ctx, serverT); err != nil {
		return err
	}
	sig := signer.sign(encodeHybridPubKey(regHybrid.Public()))
	if err := writeFrame(ctx, serverT, encodeSignedHybridKey(regHybrid.Public(), sig)); err != nil {
		return err
	}

	// Raw ephemeral-key preamble, then enter + request_proof_of_work_data
	// under the session it keys.
	preamble, err := readFrame(ctx, serverT)
	if err != nil {
		return err
	}
	clientEphemeralPub, err := decodeHybridPubKey(preamble)
	if err != nil {
		return err
	}
	secret, err := regHybrid.SharedSecret(clientEphemeralPub)
	if err != nil {
		return err
	}
	returnKeySlice, err := crypto.DeriveFromSecret(secret, nil, "aethernet registration return key")
	if err != nil {
		return err
	}
	sess, err := wire.NewSession(serverT, scheme, returnKeySlice)
	if err != nil {
		return err
	}

	enterBuf, err := sess.Recv(ctx)
	if err != nil {
		return err
	}
	if _, err := decodeRegCall(enterBuf); err != nil {
		return err
	}
	powBuf, err := sess.Recv(ctx)
	if err != nil {
		return err
	}
	if _, err := decodeRegCall(powBuf); err != nil {
		return err
	}

	pp := powParams{Salt: []byte("regsalt"), PwSuffix: []byte("regsuffix"), MaxHash: 1 << 28, PoolSize: 1}
	var globalKey [32]byte
	for i := range globalKey {
		globalKey[i] = byte(i + 7)
	}
	powSig := signer.sign(globalKey[:])
	if err := sess.Send(ctx, encodePowReply(pp, globalKey, powSig)); err != nil {
		return err
	}

	// register / set_master_key / finish under the global-key session.
	sess2, err := wire.NewSession(serverT, scheme, globalKey[:])
	if err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if _, err := sess2.Recv(ctx); err != nil {
			return err
		}
	}

	finishBuf := make([]byte, 34+2*len(fin.Cloud))
	copy(finishBuf[0:16], fin.UID[:])
	copy(finishBuf[16:32], fin.EphemeralUID[:])
	finishBuf[32] = byte(len(fin.Cloud) >> 8)
	finishBuf[33] = byte(len(fin.Cloud))
	off := 34
	for _, id := range fin.Cloud {
		finishBuf[off] = byte(id >> 8)
		finishBuf[off+1] = byte(id)
		off += 2
	}
	if err := sess2.Send(ctx, finishBuf); err != nil {
		return err
	}

	// resolve_servers over the same session.
	if _, err := sess2.Recv(ctx); err != nil {
		return err
	}
	if err := sess2.Send(ctx, cloud.EncodeResolveServersReply(descs)); err != nil {
		return err
	}
	return nil
}

func TestRunHappyPath(t *testing.T) {
	clientT, serverT := newPipePair()
	signer := newEd25519Signer(t)

	reg := cloud.NewCloud([]*cloud.Server{
		cloud.NewServer(&cloud.ServerDescriptor{
			ServerID: 1,
			Channels: []cloud.ChannelDescriptor{{Proto: "tcp", Host: "registrar.example", Port: 1234}},
		}),
	})

	var fin finishReply
	for i := range fin.UID {
		fin.UID[i] = byte(i + 1)
	}
	for i := range fin.EphemeralUID {
		fin.EphemeralUID[i] = byte(32 - i)
	}
	fin.Cloud = []uint16{5, 6}

	descs := []*cloud.ServerDescriptor{
		{ServerID: 5, Channels: []cloud.ChannelDescriptor{{Proto: "tcp", Host: "a.example", Port: 10}}},
		{ServerID: 6, Channels: []cloud.ChannelDescriptor{{Proto: "udp", Host: "b.example", Port: 20}}},
	}

	errc := make(chan error, 1)
	go func() { errc <- fakeRegistrar(serverT, signer, crypto.SchemeXChaCha20Poly1305, fin, descs) }()

	r := New(Config{
		RegistrationCloud: reg,
		Registry:          transport.NewRegistry(&pipeBuilder{t: clientT}),
		Scheme:            crypto.SchemeXChaCha20Poly1305,
		RegistrarKey:      signer.pub,
		ParentUID:         [16]byte{9, 9, 9},
		Profile:           Profile("test-profile"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg, err := r.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	require.Equal(t, Registered, r.State())
	require.Equal(t, fin.UID, cfg.UID)
	require.Equal(t, fin.EphemeralUID, cfg.EphemeralUID)
	require.Len(t, cfg.Cloud, 2)
	require.Equal(t, uint16(5), cfg.Cloud[0].ServerID)
	require.Equal(t, uint16(6), cfg.Cloud[1].ServerID)
}

func TestRunFailsWithNoChannels(t *testing.T) {
	reg := cloud.NewCloud(nil)
	r := New(Config{
		RegistrationCloud: reg,
		Registry:          transport.NewRegistry(),
		Scheme:            crypto.SchemeXChaCha20Poly1305,
	})

	_, err := r.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, Failed, r.State())
}

func TestRunFailsWithNoAdapterForProtocol(t *testing.T) {
	reg := cloud.NewCloud([]*cloud.Server{
		cloud.NewServer(&cloud.ServerDescriptor{
			ServerID: 1,
			Channels: []cloud.ChannelDescriptor{{Proto: "tcp", Host: "x.example", Port: 1}},
		}),
	})
	r := New(Config{
		RegistrationCloud: reg,
		Registry:          transport.NewRegistry(), // no builders registered
		Scheme:            crypto.SchemeXChaCha20Poly1305,
	})

	_, err := r.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, Failed, r.State())
}
