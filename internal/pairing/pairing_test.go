package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutAndResolve(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "ABC123", "alice", time.Minute))

	deviceID, ok := store.Resolve(ctx, "ABC123")
	require.True(t, ok)
	assert.Equal(t, "alice", deviceID)
}

func TestMemoryStore_ResolveUnknownCode(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, ok := store.Resolve(context.Background(), "nope")
	assert.False(t, ok)
}

func TestMemoryStore_Revoke(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "ABC123", "alice", time.Minute))
	store.Revoke(ctx, "ABC123")

	_, ok := store.Resolve(ctx, "ABC123")
	assert.False(t, ok)
}

func TestMemoryStore_ExpiresAfterTTL(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "ABC123", "alice", 10*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, ok := store.Resolve(ctx, "ABC123")
	assert.False(t, ok)
}
