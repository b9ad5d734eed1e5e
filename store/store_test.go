package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aethernetio/aether-client-go/cloud"
	"github.com/aethernetio/aether-client-go/registration"
)

func identityFixture() *registration.ClientConfig {
	cfg := &registration.ClientConfig{
		Cloud: []registration.ServerConfig{
			{ServerID: 1, Channels: []cloud.ChannelDescriptor{{Proto: "tcp", Host: "a.example", Port: 1}}},
		},
	}
	for i := range cfg.UID {
		cfg.UID[i] = byte(i)
	}
	for i := range cfg.MasterKey {
		cfg.MasterKey[i] = byte(i + 1)
	}
	return cfg
}

func TestRamSaveLoadRoundTrip(t *testing.T) {
	r := NewRam([]byte("passphrase"))
	cfg := identityFixture()

	require.NoError(t, SaveIdentity(r, cfg))
	got, err := LoadIdentity(r, cfg.UID)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestRamLoadMissingReturnsErrNotFound(t *testing.T) {
	r := NewRam([]byte("passphrase"))
	_, err := r.Load(ClassIdentity, [16]byte{9, 9})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRamWrongPassphraseFailsToDecrypt(t *testing.T) {
	w := NewRam([]byte("right"))
	cfg := identityFixture()
	require.NoError(t, SaveIdentity(w, cfg))

	r := NewRam([]byte("wrong"))
	r.data = w.data // share ciphertext, different key
	_, err := LoadIdentity(r, cfg.UID)
	require.Error(t, err)
}

func TestFileSystemSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aether.db")
	fs, err := OpenFileSystem(path, []byte("passphrase"))
	require.NoError(t, err)
	defer fs.Close()

	cfg := identityFixture()
	require.NoError(t, SaveIdentity(fs, cfg))

	got, err := LoadIdentity(fs, cfg.UID)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestFileSystemPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aether.db")
	cfg := identityFixture()

	fs, err := OpenFileSystem(path, []byte("passphrase"))
	require.NoError(t, err)
	require.NoError(t, SaveIdentity(fs, cfg))
	require.NoError(t, fs.Close())

	reopened, err := OpenFileSystem(path, []byte("passphrase"))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := LoadIdentity(reopened, cfg.UID)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestUnmarshalRejectsUnknownSchemaVersion(t *testing.T) {
	data, err := marshal(identityFixture())
	require.NoError(t, err)
	data[0] = 0xFF

	var cfg registration.ClientConfig
	require.Error(t, unmarshal(data, &cfg))
}

func TestSpiffsAndStaticHeaderAreUnsupportedOnThisHost(t *testing.T) {
	var sp Spiffs
	_, err := sp.Load(ClassIdentity, [16]byte{})
	require.ErrorIs(t, err, errUnsupportedHost)
	require.ErrorIs(t, sp.Save(ClassIdentity, [16]byte{}, nil), errUnsupportedHost)

	var sh StaticHeader
	_, err = sh.Load(ClassIdentity, [16]byte{})
	require.ErrorIs(t, err, errUnsupportedHost)
	require.ErrorIs(t, sh.Save(ClassIdentity, [16]byte{}, nil), errUnsupportedHost)
}
