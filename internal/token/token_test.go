package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "=")
}

func TestRotatorSeedAndResolve(t *testing.T) {
	ctx := context.Background()
	r := NewRotator(NewMemory(), 10*time.Second)

	tok, err := r.Seed(ctx, "sess-1")
	require.NoError(t, err)

	cred, ok, err := r.Resolve(ctx, tok)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", cred.SessionID)
	assert.Equal(t, KindPrimary, cred.Kind)

	_, ok, err = r.Resolve(ctx, "no-such-token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRotateInvalidatesPreviousRotatedToken(t *testing.T) {
	ctx := context.Background()
	r := NewRotator(NewMemory(), 10*time.Second)

	primary, err := r.Seed(ctx, "sess-1")
	require.NoError(t, err)

	first, err := r.Rotate(ctx, "sess-1")
	require.NoError(t, err)
	second, err := r.Rotate(ctx, "sess-1")
	require.NoError(t, err)

	// the superseded token dies immediately, not at its TTL
	_, ok, err := r.Resolve(ctx, first)
	require.NoError(t, err)
	assert.False(t, ok)

	cred, ok, err := r.Resolve(ctx, second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindRotated, cred.Kind)

	// primary survives every rotation
	cred, ok, err = r.Resolve(ctx, primary)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindPrimary, cred.Kind)
}

func TestRotatedTokenExpires(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	now := time.Now()
	mem.nowFunc = func() time.Time { return now }
	r := NewRotator(mem, 10*time.Second)

	tok, err := r.Rotate(ctx, "sess-1")
	require.NoError(t, err)

	_, ok, err := r.Resolve(ctx, tok)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(11 * time.Second)
	_, ok, err = r.Resolve(ctx, tok)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurgeSessionDropsAllTokens(t *testing.T) {
	ctx := context.Background()
	r := NewRotator(NewMemory(), 10*time.Second)

	primary, err := r.Seed(ctx, "sess-1")
	require.NoError(t, err)
	rotated, err := r.Rotate(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, r.Purge(ctx, "sess-1"))

	for _, tok := range []string{primary, rotated} {
		_, ok, err := r.Resolve(ctx, tok)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}
