package crypto

import (
	"crypto/rand"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/henrydcase/nobs/dh/sidh"
)

// sidhField is the SIDH/SIKE parameter set used for the post-quantum leg of
// the hybrid key exchange. Fp503 gives a comfortable security margin for a
// one-shot registration handshake where performance is not on any hot path.
const sidhField = sidh.Fp503

// HybridKeyPair is a registration-time key exchange keypair combining a
// classical X25519 key (github.com/cloudflare/circl) with a post-quantum
// SIDH key (github.com/henrydcase/nobs), the same two-NIKE composition
// pattern as the teacher's core/crypto/nike/hybrid/hybrid.go. Used for the
// registrar's `get_asymmetric_public_key` / `set_master_key` exchange
// (spec §4.10).
type HybridKeyPair struct {
	classicalPriv x25519.Key
	classicalPub  x25519.Key

	pqPriv *sidh.PrivateKey
	pqPub  *sidh.PublicKey
}

// HybridPublicKey is the wire-serializable public half of a HybridKeyPair.
type HybridPublicKey struct {
	Classical [x25519.Size]byte
	PQ        []byte
}

// GenerateHybridKeyPair creates a fresh classical+PQ keypair.
func GenerateHybridKeyPair(rng io.Reader) (*HybridKeyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}
	kp := &HybridKeyPair{}
	if _, err := io.ReadFull(rng, kp.classicalPriv[:]); err != nil {
		return nil, err
	}
	x25519.KeyGen(&kp.classicalPub, &kp.classicalPriv)

	kp.pqPriv = sidh.NewPrivateKey(sidhField, sidh.KeyVariantSidhA)
	if err := kp.pqPriv.Generate(rng); err != nil {
		return nil, err
	}
	kp.pqPub = sidh.NewPublicKey(sidhField, sidh.KeyVariantSidhA)
	kp.pqPriv.GeneratePublicKey(kp.pqPub)

	return kp, nil
}

// Public returns the serializable public key to send to the peer.
func (kp *HybridKeyPair) Public() *HybridPublicKey {
	buf := make([]byte, kp.pqPub.Size())
	kp.pqPub.Export(buf)
	return &HybridPublicKey{
		Classical: kp.classicalPub,
		PQ:        buf,
	}
}

// SharedSecret computes the combined shared secret with a peer's public
// key: the classical ECDH output concatenated with the SIDH shared secret,
// mirroring hybrid.go's "concatenate, then KDF" composition. The caller
// (Registration) feeds the result through DeriveFromSecret.
func (kp *HybridKeyPair) SharedSecret(peer *HybridPublicKey) ([]byte, error) {
	var classicalShared x25519.Key
	x25519.Shared(&classicalShared, &kp.classicalPriv, &peer.Classical)

	peerPQ := sidh.NewPublicKey(sidhField, sidh.KeyVariantSidhB)
	if err := peerPQ.Import(peer.PQ); err != nil {
		return nil, err
	}
	pqShared := make([]byte, kp.pqPriv.SharedSecretSize())
	kp.pqPriv.DeriveSecret(pqShared, peerPQ)

	out := make([]byte, 0, len(classicalShared)+len(pqShared))
	out = append(out, classicalShared[:]...)
	out = append(out, pqShared...)
	return out, nil
}
