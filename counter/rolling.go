/*
Package counter implements the rolling, time-bucketed per-(profile,
event-name) counter backing the segment engine's rate-based predicates
(e.g. power_user).

Grounded on the teacher's per-key-locked registry shape: an outer RWMutex
guards lookup-or-insert into a concurrent map (caching.Engine's
map[namespace][]*CacheEntry, routing.SLABalancer's map[string]*ProviderHealth),
while each per-key entry owns a private mutex so unrelated keys never
contend — exactly routing.ProviderHealth's EWMA/window bookkeeping, adapted
here from an exponential moving average to fixed-width bucket sums.
*/
package counter

import (
	"sync"
	"time"

	"github.com/nimbusdata/cdp-core/clock"
)

// Config controls bucket width and default lookback window.
type Config struct {
	// BucketSize is the width of one counter cell.
	BucketSize time.Duration
	// Window is the default lookback used when eviction isn't given an
	// explicit window.
	Window time.Duration
}

// DefaultConfig returns the spec defaults: 1-minute buckets, 24h window.
func DefaultConfig() Config {
	return Config{
		BucketSize: time.Minute,
		Window:     24 * time.Hour,
	}
}

type profileCounters struct {
	mu sync.Mutex
	// eventName -> bucketStartMs -> count
	buckets map[string]map[int64]uint64
}

// Counter is the rolling time-bucketed event counter. Safe for concurrent
// use. Different profiles never contend; all event names of one profile
// share that profile's lock.
type Counter struct {
	clock  clock.Clock
	config Config

	mu       sync.RWMutex
	profiles map[string]*profileCounters
}

// New creates a rolling counter with the given clock and configuration.
func New(c clock.Clock, config Config) *Counter {
	if config.BucketSize <= 0 {
		config.BucketSize = time.Minute
	}
	if config.Window <= 0 {
		config.Window = 24 * time.Hour
	}
	return &Counter{
		clock:    c,
		config:   config,
		profiles: make(map[string]*profileCounters),
	}
}

func (c *Counter) bucketStart(ts time.Time) int64 {
	widthMs := c.config.BucketSize.Milliseconds()
	ms := ts.UnixMilli()
	return (ms / widthMs) * widthMs
}

func (c *Counter) getOrCreate(profileID string) *profileCounters {
	c.mu.RLock()
	pc, ok := c.profiles[profileID]
	c.mu.RUnlock()
	if ok {
		return pc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.profiles[profileID]; ok {
		return pc
	}
	pc = &profileCounters{buckets: make(map[string]map[int64]uint64)}
	c.profiles[profileID] = pc
	return pc
}

// Append records one occurrence of name for profileID at ts.
func (c *Counter) Append(profileID, name string, ts time.Time) {
	pc := c.getOrCreate(profileID)
	start := c.bucketStart(ts)

	pc.mu.Lock()
	defer pc.mu.Unlock()
	cells, ok := pc.buckets[name]
	if !ok {
		cells = make(map[int64]uint64)
		pc.buckets[name] = cells
	}
	cells[start]++
}

// Count sums buckets for (profileID, name) whose start falls within the
// last window relative to the clock's current time. Returns 0 for an
// unknown profile or event name.
func (c *Counter) Count(profileID, name string, window time.Duration) uint64 {
	c.mu.RLock()
	pc, ok := c.profiles[profileID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	cutoff := c.clock.Now().Add(-window).UnixMilli()

	pc.mu.Lock()
	defer pc.mu.Unlock()
	cells, ok := pc.buckets[name]
	if !ok {
		return 0
	}
	var total uint64
	for start, n := range cells {
		if start >= cutoff {
			total += n
		}
	}
	return total
}

// Evict drops buckets strictly older than now-window. If profileID is
// non-empty, only that profile's buckets are swept; otherwise every known
// profile is swept and any profile left with no buckets at all is removed
// from the outer map. A non-positive window falls back to Config.Window.
func (c *Counter) Evict(window time.Duration, profileID string) {
	if window <= 0 {
		window = c.config.Window
	}
	cutoff := c.clock.Now().Add(-window).UnixMilli()

	if profileID != "" {
		c.mu.RLock()
		pc, ok := c.profiles[profileID]
		c.mu.RUnlock()
		if !ok {
			return
		}
		evictProfile(pc, cutoff)
		return
	}

	c.mu.RLock()
	all := make([]string, 0, len(c.profiles))
	pcs := make([]*profileCounters, 0, len(c.profiles))
	for id, pc := range c.profiles {
		all = append(all, id)
		pcs = append(pcs, pc)
	}
	c.mu.RUnlock()

	empty := make([]string, 0)
	for i, pc := range pcs {
		if evictProfile(pc, cutoff) {
			empty = append(empty, all[i])
		}
	}

	if len(empty) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range empty {
		if pc, ok := c.profiles[id]; ok {
			pc.mu.Lock()
			stillEmpty := len(pc.buckets) == 0
			pc.mu.Unlock()
			if stillEmpty {
				delete(c.profiles, id)
			}
		}
	}
}

// evictProfile drops stale buckets for one profile and reports whether the
// profile now has no buckets left at all.
func evictProfile(pc *profileCounters, cutoff int64) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for name, cells := range pc.buckets {
		for start := range cells {
			if start < cutoff {
				delete(cells, start)
			}
		}
		if len(cells) == 0 {
			delete(pc.buckets, name)
		}
	}
	return len(pc.buckets) == 0
}
