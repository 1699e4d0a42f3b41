// Package pairing defines the collaborator interface the relay expects for
// device pairing (§6). Pairing itself — QR/code exchange, approval flows —
// is an explicit Non-goal of the core relay; this package only carries the
// interface boundary plus a small in-memory demo implementation so the
// interface has at least one exerciseable caller in tests.
package pairing

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Store is the collaborator interface an external pairing service would
// implement. The relay core never calls it directly; it exists so a
// future admin surface (or an integration test) has a stable boundary to
// program against.
type Store interface {
	// Put records that code is currently claimable and resolves to
	// deviceID, expiring after ttl.
	Put(ctx context.Context, code string, deviceID string, ttl time.Duration) error
	// Resolve looks up the device_id a still-valid code was issued for.
	Resolve(ctx context.Context, code string) (deviceID string, ok bool)
	// Revoke removes code before its TTL elapses.
	Revoke(ctx context.Context, code string)
}

// MemoryStore is an in-memory, TTL-expiring Store demo implementation
// backed by ttlcache, standing in for whatever durable store a real
// deployment would plug in behind the Store interface.
type MemoryStore struct {
	cache *ttlcache.Cache[string, string]
}

// NewMemoryStore starts a ttlcache-backed Store and its background janitor
// goroutine. Callers should call Close when done.
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New[string, string]()
	go cache.Start()
	return &MemoryStore{cache: cache}
}

func (m *MemoryStore) Put(_ context.Context, code, deviceID string, ttl time.Duration) error {
	m.cache.Set(code, deviceID, ttlcache.WithTTL[string, string](ttl))
	return nil
}

func (m *MemoryStore) Resolve(_ context.Context, code string) (string, bool) {
	item := m.cache.Get(code)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

func (m *MemoryStore) Revoke(_ context.Context, code string) {
	m.cache.Delete(code)
}

// Close stops the background janitor goroutine.
func (m *MemoryStore) Close() {
	m.cache.Stop()
}
