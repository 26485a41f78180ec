/*
Package dedup implements the event-id dedup set the EventProcessor
consults before buffering an event: "have we already processed this
eventId within the TTL window".

The in-memory backend bounds memory with an LRU
(github.com/hashicorp/golang-lru/v2) instead of an unbounded map plus a
sweep goroutine, so a burst of distinct event ids can never exhaust
memory even if eviction lags. This generalizes the teacher's
caching.Engine (TTL expiry checked at read time, capacity eviction
oldest-first) by delegating the "oldest-first under a size cap" part to
golang-lru rather than hand-rolling it.

The Redis backend is grounded on the teacher's redisclient.Client and
caching.Engine's TTL-at-write idiom, using SETNX as an atomic
check-and-mark so dedup is safe across multiple processor instances.
*/
package dedup

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nimbusdata/cdp-core/clock"
	"github.com/nimbusdata/cdp-core/redisclient"
)

// Set answers whether an event id has been seen before, within a
// backend-specific TTL. SeenOrMark is atomic: it both checks and records
// in one call, which is what makes it safe under concurrent callers
// racing on the same id.
type Set interface {
	// SeenOrMark returns true if id has already been marked (i.e. this is
	// a duplicate) and false the first time id is seen, in which case it
	// is now recorded.
	SeenOrMark(ctx context.Context, id string) (bool, error)
}

// entry pairs a marked id with the time it should expire.
type entry struct {
	expiresAt time.Time
}

// MemorySet is an LRU-bounded, TTL-expiring dedup set. The zero value is
// not valid; use NewMemorySet.
type MemorySet struct {
	clock clock.Clock
	ttl   time.Duration

	mu    sync.Mutex
	cache *lru.Cache[string, entry]
}

// NewMemorySet creates a dedup set that never holds more than maxEntries
// ids at once (oldest-touched evicted first) and treats an id as fresh
// again once ttl has elapsed since it was marked.
func NewMemorySet(clk clock.Clock, ttl time.Duration, maxEntries int) (*MemorySet, error) {
	if maxEntries <= 0 {
		maxEntries = 1_000_000
	}
	cache, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemorySet{clock: clk, ttl: ttl, cache: cache}, nil
}

// SeenOrMark implements Set.
func (s *MemorySet) SeenOrMark(_ context.Context, id string) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cache.Get(id); ok {
		if now.Before(e.expiresAt) {
			return true, nil
		}
		// expired: fall through and treat as fresh
	}
	s.cache.Add(id, entry{expiresAt: now.Add(s.ttl)})
	return false, nil
}

// Len reports how many ids are currently tracked (including any that
// have logically expired but not yet been evicted or overwritten).
func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// RedisSet is a Redis-backed dedup set using SETNX for atomic
// check-and-mark, suitable when multiple EventProcessor instances share
// one dedup window.
type RedisSet struct {
	client *redisclient.Client
	ttl    time.Duration
	prefix string
}

// NewRedisSet creates a Redis-backed dedup set. Keys are namespaced under
// prefix (e.g. "cdp:dedup:") to avoid colliding with unrelated keys on a
// shared Redis instance.
func NewRedisSet(client *redisclient.Client, ttl time.Duration, prefix string) *RedisSet {
	if prefix == "" {
		prefix = "cdp:dedup:"
	}
	return &RedisSet{client: client, ttl: ttl, prefix: prefix}
}

// SeenOrMark implements Set.
func (s *RedisSet) SeenOrMark(ctx context.Context, id string) (bool, error) {
	won, err := s.client.SetNX(ctx, s.prefix+id, s.ttl)
	if err != nil {
		return false, err
	}
	// won == true means this call created the key, i.e. id was unseen.
	return !won, nil
}
