// Package crypto collects the pluggable cryptographic primitives consumed
// by CryptoSession, Registration and the statefile writer: AEAD schemes,
// hybrid key exchange, signature verification and key derivation. None of
// these are novel — per spec §1 "the concrete cryptographic algorithms are
// specified by their contracts, not their internals" — this package picks
// one default implementation per contract from the teacher's own stack and
// exposes the contract as a small interface so a deployment can swap it.
package crypto

import (
	"crypto/cipher"
	"errors"

	aez "gitlab.com/yawning/aez.git"

	xchacha "github.com/katzenpost/chacha20poly1305"
)

// NonceSize is the nonce length used by every AEAD scheme in this package;
// it matches the 24-byte counter nonce named in spec §4.2.
const NonceSize = 24

// AEAD is the contract CryptoSession encrypts and decrypts frames through.
// Nonces are the caller's responsibility (CryptoSession maintains the
// send-nonce counter and the receive replay window per spec §4.2); an AEAD
// implementation only seals/opens for a given key and nonce.
type AEAD interface {
	// Seal encrypts plaintext, appending the authentication tag, and
	// returns ciphertext. additionalData is authenticated but not
	// encrypted.
	Seal(nonce, additionalData, plaintext []byte) (ciphertext []byte)
	// Open authenticates and decrypts ciphertext. It returns a plain
	// error on authentication failure (callers such as wire.Session wrap
	// it as an aethererr.CryptoError; this package stays error-taxonomy
	// agnostic).
	Open(nonce, additionalData, ciphertext []byte) (plaintext []byte, err error)
	// Overhead is the number of bytes Seal adds beyond len(plaintext).
	Overhead() int
}

// Scheme names a concrete AEAD implementation, selected through the Scheme
// field of aether.Config and client.Config.
type Scheme uint8

const (
	// SchemeXChaCha20Poly1305 is the default (spec §4.2 "XChaCha20-Poly1305
	// by default").
	SchemeXChaCha20Poly1305 Scheme = iota
	// SchemeAEZ selects the wide-block, nonce-misuse-resistant AEZ cipher
	// — useful for transports (like the bundled QUIC datagram adapter)
	// where a duplicated delivery could otherwise repeat a nonce.
	SchemeAEZ
)

// New constructs the AEAD for scheme, keyed with key.
func New(scheme Scheme, key []byte) (AEAD, error) {
	switch scheme {
	case SchemeXChaCha20Poly1305:
		return newXChaCha(key)
	case SchemeAEZ:
		return newAEZ(key)
	default:
		return nil, errors.New("crypto: unknown AEAD scheme")
	}
}

type xchachaAEAD struct {
	aead cipher.AEAD
}

func newXChaCha(key []byte) (AEAD, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	return &xchachaAEAD{aead: aead}, nil
}

func (x *xchachaAEAD) Seal(nonce, ad, plaintext []byte) []byte {
	return x.aead.Seal(nil, nonce, plaintext, ad)
}

func (x *xchachaAEAD) Open(nonce, ad, ciphertext []byte) ([]byte, error) {
	return x.aead.Open(nil, nonce, ciphertext, ad)
}

func (x *xchachaAEAD) Overhead() int { return x.aead.Overhead() }

// aezTauBytes is the AEZ authentication tag length, in bytes.
const aezTauBytes = 16

type aezAEAD struct {
	key []byte
}

func newAEZ(key []byte) (AEAD, error) {
	if len(key) != aez.KeySize {
		return nil, errors.New("crypto: aez key must be aez.KeySize bytes")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &aezAEAD{key: k}, nil
}

func (a *aezAEAD) Seal(nonce, ad, plaintext []byte) []byte {
	return aez.Encrypt(a.key, nonce, [][]byte{ad}, aezTauBytes, plaintext)
}

func (a *aezAEAD) Open(nonce, ad, ciphertext []byte) ([]byte, error) {
	pt, ok := aez.Decrypt(a.key, nonce, [][]byte{ad}, aezTauBytes, ciphertext)
	if !ok {
		return nil, errors.New("crypto: aez authentication failure")
	}
	return pt, nil
}

func (a *aezAEAD) Overhead() int { return aezTauBytes }
