package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the length, in bytes, of every derived per-server
// session key (large enough to key either AEAD scheme in this package).
const SessionKeySize = 32

// DeriveServerKey derives a per-server session key from the client's
// master key and that server's id, per spec §3 "ServerKeys ... derived
// from the client's master key and server_id". info binds the derivation
// to this specific use (distinct from, e.g., deriving the global
// registration key) so the same master key can seed multiple independent
// subkeys without cross-contamination.
func DeriveServerKey(masterKey []byte, serverID uint16, info string) ([]byte, error) {
	salt := []byte{byte(serverID >> 8), byte(serverID)}
	r := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveFromSecret runs HKDF-SHA256 over an arbitrary shared secret (e.g.
// the concatenated hybrid-NIKE shared secrets computed during
// registration) to produce a session key of SessionKeySize.
func DeriveFromSecret(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
