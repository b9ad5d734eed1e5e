// Package store implements the persistence contract of spec §6.2: a
// small Backend interface keyed by (class_id, client_id), a versioned
// record header so a saved blob's schema can evolve, and several
// concrete Backend variants. The encryption-at-rest scheme (argon2
// passphrase KDF + nacl/secretbox AEAD, cbor payload via ugorji/go/codec)
// is carried over directly from the teacher's disk.go StateWriter,
// generalized from "one hardcoded State struct written to one file" to
// "arbitrary class_id/client_id-keyed records written to a bbolt-backed
// object store."
package store

import (
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/ugorji/go/codec"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/aethernetio/aether-client-go/aethererr"
	"github.com/aethernetio/aether-client-go/registration"
)

func rngRead(b []byte) (int, error) { return cryptorand.Read(b) }

var cborHandle = &codec.CborHandle{}

const (
	keySize   = 32
	nonceSize = 24
)

// schemaVersion is the current record header byte written by Save; load
// paths dispatch on whatever version byte they actually read, so an
// older reader can still reject (rather than misinterpret) a newer
// record.
const schemaVersion uint8 = 1

// Backend is the storage contract of spec §6.2: a flat, class-partitioned
// object store keyed by a 16-byte client id within each class.
type Backend interface {
	Load(classID uint16, clientID [16]byte) ([]byte, error)
	Save(classID uint16, clientID [16]byte, data []byte) error
}

// ErrNotFound is returned by Load when no record exists for the given key.
var ErrNotFound = errors.New("store: no record for key")

// marshal cbor-encodes v and prepends the schema version byte.
func marshal(v interface{}) ([]byte, error) {
	body := make([]byte, 0, 256)
	if err := codec.NewEncoderBytes(&body, cborHandle).Encode(v); err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(body))
	out[0] = schemaVersion
	copy(out[1:], body)
	return out, nil
}

// unmarshal strips the schema version header and cbor-decodes into v.
// Versioned load (spec §6.2): only schemaVersion is understood today; a
// future incompatible version should add a case here rather than guess.
func unmarshal(data []byte, v interface{}) error {
	if len(data) < 1 {
		return aethererr.NewProtocolError("store: empty record")
	}
	switch data[0] {
	case schemaVersion:
		return codec.NewDecoderBytes(data[1:], cborHandle).Decode(v)
	default:
		return aethererr.NewProtocolError("store: unsupported schema version %d", data[0])
	}
}

// Marshal cbor-encodes v with the current schema version header, for
// callers (e.g. registration/client setup) that build a Backend record
// directly rather than through a higher-level helper.
func Marshal(v interface{}) ([]byte, error) { return marshal(v) }

// Unmarshal decodes a record produced by Marshal/Save into v.
func Unmarshal(data []byte, v interface{}) error { return unmarshal(data, v) }

func classBucketName(classID uint16) []byte {
	return []byte(fmt.Sprintf("class-%05d", classID))
}

// ClassIdentity is the class_id a registered identity's ClientConfig is
// saved under, so an embedder sharing one Backend across record kinds
// doesn't have to pick its own partition for this one well-known record.
const ClassIdentity uint16 = 0

// SaveIdentity persists cfg to b under ClassIdentity, keyed by its own
// UID — the restart path (spec §4.10: "re-loadable without
// re-registering") reads it back with LoadIdentity.
func SaveIdentity(b Backend, cfg *registration.ClientConfig) error {
	data, err := marshal(cfg)
	if err != nil {
		return err
	}
	return b.Save(ClassIdentity, cfg.UID, data)
}

// LoadIdentity reloads a ClientConfig previously saved by SaveIdentity.
func LoadIdentity(b Backend, uid [16]byte) (*registration.ClientConfig, error) {
	data, err := b.Load(ClassIdentity, uid)
	if err != nil {
		return nil, err
	}
	cfg := &registration.ClientConfig{}
	if err := unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// deriveLockedKey argon2-derives a secretbox key from passphrase and
// immediately seals it in a memguard.LockedBuffer, the same locked-memory
// protection the teacher's ratchet.go gives its long-term X3DH key
// material — generalized here from ratchet key material to the
// passphrase-derived key guarding a Backend's entire statefile.
// NewBufferFromBytes wipes the plaintext argon2 output once it's copied
// into guarded memory.
func deriveLockedKey(passphrase []byte) *memguard.LockedBuffer {
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	return memguard.NewBufferFromBytes(secret)
}

// sealWithKey melts key for the duration of the Seal call, reading its
// 32 bytes directly out of guarded memory (ByteArray32, no intermediate
// plaintext copy), then re-freezes it.
func sealWithKey(key *memguard.LockedBuffer, nonce *[nonceSize]byte, data []byte) []byte {
	key.Melt()
	defer key.Freeze()
	return secretbox.Seal(nonce[:], data, nonce, key.ByteArray32())
}

func openWithKey(key *memguard.LockedBuffer, nonce *[nonceSize]byte, sealed []byte) ([]byte, bool) {
	key.Melt()
	defer key.Freeze()
	return secretbox.Open(nil, sealed, nonce, key.ByteArray32())
}

// FileSystem is the default persistent Backend (spec §6.2): a
// bbolt-keyed object store, each value sealed with nacl/secretbox under a
// key derived from a passphrase via argon2, mirroring the teacher's
// GetStateFromFile/writeState encrypt-then-store shape generalized from
// one fixed file to one bbolt value per (class_id, client_id).
type FileSystem struct {
	db  *bbolt.DB
	key *memguard.LockedBuffer
}

// OpenFileSystem opens (creating if necessary) a bbolt-backed store at
// path, deriving its encryption key from passphrase the same way the
// teacher's disk.go does (argon2.Key(passphrase, nil, 3, 32*1024, 4, 32)).
func OpenFileSystem(path string, passphrase []byte) (*FileSystem, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &FileSystem{db: db, key: deriveLockedKey(passphrase)}, nil
}

// Close destroys the guarded key and closes the underlying bbolt file.
func (fs *FileSystem) Close() error {
	fs.key.Destroy()
	return fs.db.Close()
}

func (fs *FileSystem) Save(classID uint16, clientID [16]byte, data []byte) error {
	var nonce [nonceSize]byte
	if _, err := rngRead(nonce[:]); err != nil {
		return err
	}
	sealed := sealWithKey(fs.key, &nonce, data)

	return fs.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(classBucketName(classID))
		if err != nil {
			return err
		}
		return b.Put(clientID[:], sealed)
	})
}

func (fs *FileSystem) Load(classID uint16, clientID [16]byte) ([]byte, error) {
	var out []byte
	err := fs.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(classBucketName(classID))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(clientID[:])
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(out) < nonceSize {
		return nil, aethererr.NewProtocolError("store: truncated record")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], out[:nonceSize])
	plaintext, ok := openWithKey(fs.key, &nonce, out[nonceSize:])
	if !ok {
		return nil, aethererr.NewCryptoError(errors.New("store: failed to decrypt record"))
	}
	return plaintext, nil
}

// Ram is an in-process Backend with the same encrypt-at-rest scheme as
// FileSystem but no persistence — useful for tests and for embedders that
// want the statefile contract without a filesystem.
type Ram struct {
	mu   sync.RWMutex
	key  *memguard.LockedBuffer
	data map[uint16]map[[16]byte][]byte
}

// NewRam constructs a Ram store keyed the same way FileSystem is.
func NewRam(passphrase []byte) *Ram {
	return &Ram{key: deriveLockedKey(passphrase), data: make(map[uint16]map[[16]byte][]byte)}
}

func (r *Ram) Save(classID uint16, clientID [16]byte, data []byte) error {
	var nonce [nonceSize]byte
	if _, err := rngRead(nonce[:]); err != nil {
		return err
	}
	sealed := sealWithKey(r.key, &nonce, data)

	r.mu.Lock()
	defer r.mu.Unlock()
	class, ok := r.data[classID]
	if !ok {
		class = make(map[[16]byte][]byte)
		r.data[classID] = class
	}
	class[clientID] = sealed
	return nil
}

func (r *Ram) Load(classID uint16, clientID [16]byte) ([]byte, error) {
	r.mu.RLock()
	sealed, ok := r.data[classID][clientID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if len(sealed) < nonceSize {
		return nil, aethererr.NewProtocolError("store: truncated record")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := openWithKey(r.key, &nonce, sealed[nonceSize:])
	if !ok {
		return nil, aethererr.NewCryptoError(errors.New("store: failed to decrypt record"))
	}
	return plaintext, nil
}

// errUnsupportedHost is returned by the Spiffs/StaticHeader stubs: both
// target embedded-flash layouts (SPIFFS filesystems, a fixed-offset
// header region on raw NOR flash) this host environment has no access to.
var errUnsupportedHost = errors.New("store: backend targets an embedded flash layout not available on this host")

// Spiffs is a stub Backend for the SPIFFS filesystem layout used on
// flash-constrained embedded targets; it satisfies the Backend contract
// so higher layers can be written against the interface, but every call
// fails on this host.
type Spiffs struct{}

func (Spiffs) Load(uint16, [16]byte) ([]byte, error) { return nil, errUnsupportedHost }
func (Spiffs) Save(uint16, [16]byte, []byte) error   { return errUnsupportedHost }

// StaticHeader is a stub Backend for a fixed-offset header region on raw
// flash (a single reserved record, not a keyed store); same
// host-unavailable stance as Spiffs.
type StaticHeader struct{}

func (StaticHeader) Load(uint16, [16]byte) ([]byte, error) { return nil, errUnsupportedHost }
func (StaticHeader) Save(uint16, [16]byte, []byte) error   { return errUnsupportedHost }
