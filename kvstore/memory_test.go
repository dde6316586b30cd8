package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemorySetGetRoundTrips(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k1", []byte("v1"), 0))

	v, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestMemoryGetMissingReturnsErrNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTTLExpiresValue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k1", []byte("v1"), time.Millisecond))

	require.Eventually(t, func() bool {
		_, err := m.Get(ctx, "k1")
		return err == ErrNotFound
	}, time.Second, 2*time.Millisecond)
}

func TestMemoryDeleteRemovesKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k1", []byte("v1"), 0))
	require.NoError(t, m.Delete(ctx, "k1"))

	_, err := m.Get(ctx, "k1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryKeysFiltersByPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "checkpoint:1", []byte("a"), 0))
	require.NoError(t, m.Set(ctx, "checkpoint:2", []byte("b"), 0))
	require.NoError(t, m.Set(ctx, "knowledge:x", []byte("c"), 0))

	keys, err := m.Keys(ctx, "checkpoint:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"checkpoint:1", "checkpoint:2"}, keys)
}

func TestMemorySizeAndClear(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))

	size, err := m.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	require.NoError(t, m.Clear(ctx))
	size, err = m.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func TestMemorySetCopiesValueSoMutationDoesNotLeak(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("original")
	require.NoError(t, m.Set(ctx, "k", buf, 0))
	buf[0] = 'X'

	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), v)
}
