// Package cache provides the in-process caches the gateway runs on: virtual
// keys, resolved credentials, model mappings, and tariffs. Each cache is a
// named region backed by an otter W-TinyLFU store; regions report into a
// shared Collector so operators can read hit rates and latencies in one
// place.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"

	conduit "github.com/knnlabs/conduit/internal"
)

// entry wraps a cached value with its expiration time. The otter cache also
// expires on write TTL; the per-entry deadline lets callers shorten it.
type entry[V any] struct {
	val       V
	expiresAt time.Time
}

// Region is a typed cache for one logical region. All operations are safe
// for concurrent use. A nil Region is valid and caches nothing.
type Region[V any] struct {
	cache      *otter.Cache[string, entry[V]]
	rec        *Recorder
	defaultTTL time.Duration
	weigh      func(key string, val V) int64
	bytes      int64
	count      int64
}

// NewRegion creates a cache region with the given capacity and default TTL,
// reporting into the collector. weigh estimates the in-memory size of one
// entry for the memory gauge; nil disables memory accounting.
func NewRegion[V any](col *Collector, region conduit.CacheRegion, maxSize int, defaultTTL time.Duration, weigh func(string, V) int64) (*Region[V], error) {
	c, err := otter.New(&otter.Options[string, entry[V]]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry[V]](defaultTTL),
	})
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "cache: create region "+string(region))
	}
	r := &Region[V]{cache: c, defaultTTL: defaultTTL, weigh: weigh}
	if col != nil {
		r.rec = col.Region(region)
		col.RegisterGauge(region, r.gauges)
	}
	return r, nil
}

// Get returns the cached value for key when present and unexpired.
func (r *Region[V]) Get(key string) (V, bool) {
	var zero V
	if r == nil {
		return zero, false
	}
	start := time.Now()
	e, ok := r.cache.GetIfPresent(key)
	if !ok {
		r.rec.Miss(time.Since(start))
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		r.cache.Invalidate(key)
		r.drop(key, e.val)
		r.rec.Evict()
		r.rec.Miss(time.Since(start))
		return zero, false
	}
	r.rec.Hit(time.Since(start))
	return e.val, true
}

// Set stores a value under the region's default TTL.
func (r *Region[V]) Set(key string, val V) {
	r.SetTTL(key, val, 0)
}

// SetTTL stores a value with a per-entry TTL. A non-positive ttl uses the
// region default. The per-entry deadline can only shorten the otter write
// TTL, never extend it.
func (r *Region[V]) SetTTL(key string, val V, ttl time.Duration) {
	if r == nil {
		return
	}
	if ttl <= 0 || ttl > r.defaultTTL {
		ttl = r.defaultTTL
	}
	start := time.Now()
	if prev, ok := r.cache.GetIfPresent(key); ok {
		r.drop(key, prev.val)
	}
	r.cache.Set(key, entry[V]{val: val, expiresAt: time.Now().Add(ttl)})
	r.add(key, val)
	r.rec.Put(time.Since(start))
}

// Delete removes a value.
func (r *Region[V]) Delete(key string) {
	if r == nil {
		return
	}
	start := time.Now()
	if prev, ok := r.cache.GetIfPresent(key); ok {
		r.drop(key, prev.val)
	}
	r.cache.Invalidate(key)
	r.rec.Remove(time.Since(start))
}

// Purge removes all values.
func (r *Region[V]) Purge() {
	if r == nil {
		return
	}
	start := time.Now()
	r.cache.InvalidateAll()
	atomic.StoreInt64(&r.count, 0)
	atomic.StoreInt64(&r.bytes, 0)
	r.rec.Remove(time.Since(start))
}

func (r *Region[V]) add(key string, val V) {
	atomic.AddInt64(&r.count, 1)
	if r.weigh != nil {
		atomic.AddInt64(&r.bytes, r.weigh(key, val))
	}
}

func (r *Region[V]) drop(key string, val V) {
	atomic.AddInt64(&r.count, -1)
	if r.weigh != nil {
		atomic.AddInt64(&r.bytes, -r.weigh(key, val))
	}
}

// gauges reports entry count and estimated bytes. Capacity evictions inside
// otter are not individually observable, so both values are upper bounds;
// they are clamped at zero.
func (r *Region[V]) gauges() (entries, bytes int64) {
	entries = atomic.LoadInt64(&r.count)
	bytes = atomic.LoadInt64(&r.bytes)
	if entries < 0 {
		entries = 0
	}
	if bytes < 0 {
		bytes = 0
	}
	return entries, bytes
}

// BytesWeigher estimates entry size for []byte-valued regions.
func BytesWeigher(key string, val []byte) int64 {
	return int64(len(key) + len(val))
}
