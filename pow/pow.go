// Package pow implements ComputeProofOfWork (spec §4.10): a CPU-bound,
// synchronous hash-threshold search. The corpus retrieval pack has no
// proof-of-work library (unsurprising — registration PoW is protocol-
// specific), so this follows the spec's own description directly: find
// pool_size numbers whose "bcrypt_crc32" digest (bcrypt slows the trial,
// crc32 folds the bcrypt hash down to a comparable scalar, per the spec's
// literal naming) undercuts max_hash.
package pow

import (
	"context"
	"encoding/binary"
	"hash/crc32"

	"golang.org/x/crypto/bcrypt_pbkdf"
)

// DefaultRounds is the bcrypt_pbkdf round count used per trial when a
// caller doesn't override it.
const DefaultRounds = 8

// digestLen is the derived-key length requested from bcrypt_pbkdf per
// trial; only its crc32 matters, so any small fixed length works.
const digestLen = 32

// Params bundles one registration challenge (spec §4.10 pow_params).
type Params struct {
	Salt     []byte
	PwSuffix []byte
	MaxHash  uint32
	PoolSize int
	Rounds   int // 0 selects DefaultRounds
}

// bcryptCRC32 computes the opaque "bcrypt_crc32" digest named in spec
// §4.10: bcrypt_pbkdf(n || pw_suffix, salt) slows each trial the same way
// bcrypt's expensive key schedule does (golang.org/x/crypto/bcrypt itself
// can't be used here — bcrypt.GenerateFromPassword always mints its own
// random internal salt, which makes its output unverifiable by a second
// party; bcrypt_pbkdf is the same cost function with an explicit salt,
// which a verifying registrar needs to reproduce the trial exactly).
// crc32 folds the derived key down to a uint32 comparable against
// max_hash.
func bcryptCRC32(salt []byte, n uint64, pwSuffix []byte, rounds int) (uint32, error) {
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], n)

	password := make([]byte, 0, 8+len(pwSuffix))
	password = append(password, nb[:]...)
	password = append(password, pwSuffix...)

	derived, err := bcrypt_pbkdf.Key(password, salt, rounds, digestLen)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(derived), nil
}

// Compute searches for Params.PoolSize numbers n_i such that
// bcryptCRC32(salt, n_i, pw_suffix) < max_hash (spec §4.10), scanning
// candidates sequentially starting from 0. Honors ctx cancellation
// between trials so a caller can time-slice it per the spec's own note
// ("implementers may time-slice it").
func Compute(ctx context.Context, p Params) ([]uint64, error) {
	rounds := p.Rounds
	if rounds == 0 {
		rounds = DefaultRounds
	}

	found := make([]uint64, 0, p.PoolSize)
	var n uint64
	for len(found) < p.PoolSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		digest, err := bcryptCRC32(p.Salt, n, p.PwSuffix, rounds)
		if err != nil {
			return nil, err
		}
		if digest < p.MaxHash {
			found = append(found, n)
		}
		n++
	}
	return found, nil
}

// Verify reports whether n is a valid proof for the given challenge,
// used by the registrar side of the protocol (and by tests) to check a
// proof without re-running the full search. rounds must match whatever
// Compute used (0 selects DefaultRounds, same as Compute).
func Verify(salt []byte, n uint64, pwSuffix []byte, maxHash uint32, rounds int) (bool, error) {
	if rounds == 0 {
		rounds = DefaultRounds
	}
	digest, err := bcryptCRC32(salt, n, pwSuffix, rounds)
	if err != nil {
		return false, err
	}
	return digest < maxHash, nil
}
