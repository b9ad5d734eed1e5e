package crypto

import (
	"crypto/sha512"
	"errors"

	"filippo.io/edwards25519"
)

// PublicKeySize and SignatureSize match RFC 8032 Ed25519.
const (
	PublicKeySize = 32
	SignatureSize = 64
)

// PublicKey is a registrar trust-anchor verification key, built directly
// on filippo.io/edwards25519 group operations rather than pulling in a
// second full signature framework (the teacher's core/pki already treats
// sign.PublicKey as an opaque verifier; this is this module's concrete
// instance of that contract, used to check the `signed_key` and
// `signed_aether_global_key` replies in spec §4.10).
type PublicKey [PublicKeySize]byte

// ErrInvalidSignature is returned by Verify when the signature does not
// check out, matching the teacher's core/pki ErrInvalidSignature naming.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Verify checks an Ed25519 signature over msg under pk.
func (pk PublicKey) Verify(msg, sig []byte) error {
	if len(sig) != SignatureSize {
		return ErrInvalidSignature
	}

	A, err := new(edwards25519.Point).SetBytes(pk[:])
	if err != nil {
		return ErrInvalidSignature
	}
	R, err := new(edwards25519.Point).SetBytes(sig[:32])
	if err != nil {
		return ErrInvalidSignature
	}
	S, err := new(edwards25519.Scalar).SetCanonicalBytes(sig[32:64])
	if err != nil {
		return ErrInvalidSignature
	}

	h := sha512.New()
	h.Write(sig[:32])
	h.Write(pk[:])
	h.Write(msg)
	digest := h.Sum(nil)

	k, err := new(edwards25519.Scalar).SetUniformBytes(digest)
	if err != nil {
		return ErrInvalidSignature
	}

	// check = [S]B - [k]A ; accept iff check == R.
	minusA := new(edwards25519.Point).Negate(A)
	check := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(k, minusA, S)
	if string(check.Bytes()) != string(R.Bytes()) {
		return ErrInvalidSignature
	}
	return nil
}

// Equal reports whether two public keys are byte-identical (used to
// compare a fetched descriptor's identity key against a pinned one,
// mirroring core/pki's `provider.IdentityKey.Equal(desc.IdentityKey)`).
func (pk PublicKey) Equal(other PublicKey) bool {
	return pk == other
}
