package registration

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aethernetio/aether-client-go/crypto"
)

func TestRegCallEncodeDecodeRoundTrip(t *testing.T) {
	c := regCall{Method: regEnter, Args: []byte("profile-bytes")}
	buf := c.encode()

	got, err := decodeRegCall(buf)
	require.NoError(t, err)
	require.Equal(t, c.Method, got.Method)
	require.Equal(t, c.Args, got.Args)
}

func TestDecodeRegCallShortBufferErrors(t *testing.T) {
	_, err := decodeRegCall(nil)
	require.Error(t, err)
}

func TestSignedHybridKeyRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateHybridKeyPair(nil)
	require.NoError(t, err)

	var sig [crypto.SignatureSize]byte
	for i := range sig {
		sig[i] = byte(i)
	}

	buf := encodeSignedHybridKey(kp.Public(), sig)
	pub, gotSig, err := decodeSignedHybridKey(buf)
	require.NoError(t, err)
	require.Equal(t, kp.Public().Classical, pub.Classical)
	require.Equal(t, kp.Public().PQ, pub.PQ)
	require.Equal(t, sig, gotSig)
}

func TestPowReplyRoundTrip(t *testing.T) {
	p := powParams{
		Salt:     []byte("salt"),
		PwSuffix: []byte("suffix"),
		MaxHash:  1 << 20,
		PoolSize: 4,
	}
	var globalKey [32]byte
	for i := range globalKey {
		globalKey[i] = byte(i)
	}
	var sig [crypto.SignatureSize]byte
	for i := range sig {
		sig[i] = byte(64 - i)
	}

	buf := encodePowReply(p, globalKey, sig)
	gotP, gotKey, gotSig, err := decodePowReply(buf)
	require.NoError(t, err)
	require.Equal(t, p, gotP)
	require.Equal(t, globalKey, gotKey)
	require.Equal(t, sig, gotSig)
}

func TestFinishReplyRoundTrip(t *testing.T) {
	fin := finishReply{Cloud: []uint16{1, 2, 3}}
	for i := range fin.UID {
		fin.UID[i] = byte(i)
	}
	for i := range fin.EphemeralUID {
		fin.EphemeralUID[i] = byte(32 - i)
	}

	buf := make([]byte, 34+2*len(fin.Cloud))
	copy(buf[0:16], fin.UID[:])
	copy(buf[16:32], fin.EphemeralUID[:])
	buf[32] = 0
	buf[33] = byte(len(fin.Cloud))
	off := 34
	for _, id := range fin.Cloud {
		buf[off] = byte(id >> 8)
		buf[off+1] = byte(id)
		off += 2
	}

	got, err := decodeFinishReply(buf)
	require.NoError(t, err)
	require.Equal(t, fin, got)
}

func TestDecodeFinishReplyShortBufferErrors(t *testing.T) {
	_, err := decodeFinishReply(make([]byte, 10))
	require.Error(t, err)
}
