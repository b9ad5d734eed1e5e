package pow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeFindsVerifiableProofs(t *testing.T) {
	p := Params{
		Salt:     []byte("test-salt"),
		PwSuffix: []byte("suffix"),
		MaxHash:  1 << 30, // generous threshold so the search terminates quickly
		PoolSize: 2,
		Rounds:   4,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proofs, err := Compute(ctx, p)
	require.NoError(t, err)
	require.Len(t, proofs, 2)

	for _, n := range proofs {
		ok, err := Verify(p.Salt, n, p.PwSuffix, p.MaxHash, p.Rounds)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestVerifyAcceptsExactProofOnly(t *testing.T) {
	salt := []byte("s")
	suffix := []byte("x")

	digest, err := bcryptCRC32(salt, 42, suffix, 4)
	require.NoError(t, err)

	ok, err := Verify(salt, 42, suffix, digest+1, 4)
	require.NoError(t, err)
	require.True(t, ok) // threshold one above the exact digest still passes

	ok, err = Verify(salt, 42, suffix, digest, 4)
	require.NoError(t, err)
	require.False(t, ok) // threshold equal to the digest itself must not pass (strict <)
}

func TestComputeHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Compute(ctx, Params{Salt: []byte("s"), PwSuffix: []byte("x"), MaxHash: 1, PoolSize: 1000000, Rounds: 4})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBcryptCRC32Deterministic(t *testing.T) {
	a, err := bcryptCRC32([]byte("salt"), 7, []byte("suffix"), 4)
	require.NoError(t, err)
	b, err := bcryptCRC32([]byte("salt"), 7, []byte("suffix"), 4)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := bcryptCRC32([]byte("salt"), 8, []byte("suffix"), 4)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
