package collector

import (
	"context"
	"sync"
	"time"

	"github.com/campaignforge/sagaflow/infrastructure/cache"
)

// MemoryStore implements Store over infrastructure/cache.Cache, the
// teacher's sync.Map-plus-TTL idiom. Suitable for development and tests;
// RedisStore is the production backend shared across replicas.
type MemoryStore struct {
	rates  *cache.Cache
	dedup  *cache.Cache
	mu     sync.Mutex
}

// NewMemoryStore builds an in-memory dedup/rate-limit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rates: cache.NewCache(cache.CacheConfig{DefaultTTL: time.Hour}),
		dedup: cache.NewCache(cache.CacheConfig{DefaultTTL: 24 * time.Hour}),
	}
}

// CheckRateLimit reads the current window's count without mutating it.
func (m *MemoryStore) CheckRateLimit(ctx context.Context, affiliate string, window time.Duration, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bucketKey(affiliate, window, time.Now())
	count := 0
	if v, ok := m.rates.Get(key); ok {
		count = v.(int)
	}
	return count < limit, nil
}

// IncrementRate bumps the current window's count. Cache.Get/Set aren't
// atomic together, so a single process-local mutex serializes this with
// CheckRateLimit, sufficient for the in-memory (single-replica) backend.
func (m *MemoryStore) IncrementRate(ctx context.Context, affiliate string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bucketKey(affiliate, window, time.Now())
	count := 0
	if v, ok := m.rates.Get(key); ok {
		count = v.(int)
	}
	m.rates.Set(key, count+1, window)
	return nil
}

// RateCount reports the current window's count without mutating it.
func (m *MemoryStore) RateCount(ctx context.Context, affiliate string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bucketKey(affiliate, window, time.Now())
	if v, ok := m.rates.Get(key); ok {
		return int64(v.(int)), nil
	}
	return 0, nil
}

// SeenOrMark checks and marks the fingerprint in a single critical section.
func (m *MemoryStore) SeenOrMark(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dedup.Get(fingerprint); ok {
		return true, nil
	}
	m.dedup.Set(fingerprint, true, ttl)
	return false, nil
}
