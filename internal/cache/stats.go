package cache

import (
	"sort"
	"sync"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/telemetry"
)

// latencyWindow bounds the per-region latency reservoir. Percentiles are
// computed over the most recent samples only; averages cover the full
// window.
const latencyWindow = 1024

// Recorder accumulates one region's counters and latencies since the last
// reset. A nil Recorder discards every observation.
type Recorder struct {
	mu          sync.Mutex
	region      conduit.CacheRegion
	windowStart time.Time

	hits, misses, sets, removes, evictions, errors int64
	ops                                            map[conduit.CacheOperation]int64

	latSum   float64
	latMax   float64
	latCount int64
	samples  []float64
	next     int

	onLookup func(outcome string)
	now      func() time.Time
}

func newRecorder(region conduit.CacheRegion, onLookup func(outcome string)) *Recorder {
	r := &Recorder{
		region:   region,
		ops:      make(map[conduit.CacheOperation]int64, 4),
		onLookup: onLookup,
		now:      time.Now,
	}
	r.windowStart = r.now()
	return r
}

// Hit records a successful lookup.
func (r *Recorder) Hit(d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.hits++
	r.ops[conduit.CacheOpGet]++
	r.observeLocked(d)
	r.mu.Unlock()
	if r.onLookup != nil {
		r.onLookup("hit")
	}
}

// Miss records a lookup that found nothing.
func (r *Recorder) Miss(d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.misses++
	r.ops[conduit.CacheOpGet]++
	r.observeLocked(d)
	r.mu.Unlock()
	if r.onLookup != nil {
		r.onLookup("miss")
	}
}

// Put records a write.
func (r *Recorder) Put(d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.sets++
	r.ops[conduit.CacheOpSet]++
	r.observeLocked(d)
	r.mu.Unlock()
}

// Remove records an explicit invalidation.
func (r *Recorder) Remove(d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.removes++
	r.ops[conduit.CacheOpRemove]++
	r.observeLocked(d)
	r.mu.Unlock()
}

// Evict records an entry dropped by expiry.
func (r *Recorder) Evict() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.evictions++
	r.ops[conduit.CacheOpEvict]++
	r.mu.Unlock()
}

// Fail records a region-level error, for example a backing-store refusal.
func (r *Recorder) Fail() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

func (r *Recorder) observeLocked(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	r.latSum += ms
	r.latCount++
	if ms > r.latMax {
		r.latMax = ms
	}
	if len(r.samples) < latencyWindow {
		r.samples = append(r.samples, ms)
		return
	}
	r.samples[r.next] = ms
	r.next = (r.next + 1) % latencyWindow
}

// Snapshot returns the window's statistics without resetting it. The entry
// and memory gauges are supplied by the caller because the recorder does not
// own the backing store.
func (r *Recorder) Snapshot(entries, bytes int64) conduit.CacheStatistics {
	if r == nil {
		return conduit.CacheStatistics{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := conduit.CacheStatistics{
		Region:      r.region,
		Hits:        r.hits,
		Misses:      r.misses,
		Sets:        r.sets,
		Removes:     r.removes,
		Evictions:   r.evictions,
		Errors:      r.errors,
		EntryCount:  entries,
		MemoryBytes: bytes,
		MaxLatencyMS: r.latMax,
		WindowStart: r.windowStart,
		WindowEnd:   r.now(),
		Operations:  make(map[conduit.CacheOperation]int64, len(r.ops)),
	}
	for op, n := range r.ops {
		s.Operations[op] = n
	}
	if r.latCount > 0 {
		s.AvgLatencyMS = r.latSum / float64(r.latCount)
	}
	if len(r.samples) > 0 {
		sorted := make([]float64, len(r.samples))
		copy(sorted, r.samples)
		sort.Float64s(sorted)
		s.P95LatencyMS = percentile(sorted, 0.95)
		s.P99LatencyMS = percentile(sorted, 0.99)
	}
	return s
}

// Reset starts a new window.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits, r.misses, r.sets, r.removes, r.evictions, r.errors = 0, 0, 0, 0, 0, 0
	r.ops = make(map[conduit.CacheOperation]int64, 4)
	r.latSum, r.latMax, r.latCount = 0, 0, 0
	r.samples = r.samples[:0]
	r.next = 0
	r.windowStart = r.now()
}

// percentile reads the p-quantile from an ascending sample slice using the
// nearest-rank method.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Collector owns the per-region recorders and entry gauges. One collector is
// shared by every cache in the process; the ops endpoint snapshots it.
type Collector struct {
	mu      sync.Mutex
	regions map[conduit.CacheRegion]*Recorder
	gauges  map[conduit.CacheRegion]func() (entries, bytes int64)
	metrics *telemetry.Metrics
}

// NewCollector creates an empty collector. metrics may be nil; when set,
// lookups additionally feed the cache_ops_total counter.
func NewCollector(metrics *telemetry.Metrics) *Collector {
	return &Collector{
		regions: make(map[conduit.CacheRegion]*Recorder),
		gauges:  make(map[conduit.CacheRegion]func() (int64, int64)),
		metrics: metrics,
	}
}

// Region returns the recorder for a region, creating it on first use. The
// same recorder is returned for every call with the same region, so multiple
// components may share one region. A nil collector returns a nil recorder,
// which discards observations.
func (c *Collector) Region(region conduit.CacheRegion) *Recorder {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.regions[region]; ok {
		return r
	}
	var onLookup func(string)
	if c.metrics != nil {
		m := c.metrics
		name := string(region)
		onLookup = func(outcome string) {
			m.CacheOps.WithLabelValues(name, outcome).Inc()
		}
	}
	r := newRecorder(region, onLookup)
	c.regions[region] = r
	return r
}

// RegisterGauge attaches the entry-count and memory callback for a region.
// The last registration wins.
func (c *Collector) RegisterGauge(region conduit.CacheRegion, fn func() (entries, bytes int64)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.gauges[region] = fn
	c.mu.Unlock()
}

// Snapshot returns one statistics record per known region, ordered by region
// name for stable output.
func (c *Collector) Snapshot() []conduit.CacheStatistics {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	recs := make([]*Recorder, 0, len(c.regions))
	for _, r := range c.regions {
		recs = append(recs, r)
	}
	gauges := make(map[conduit.CacheRegion]func() (int64, int64), len(c.gauges))
	for region, fn := range c.gauges {
		gauges[region] = fn
	}
	c.mu.Unlock()

	out := make([]conduit.CacheStatistics, 0, len(recs))
	for _, r := range recs {
		var entries, bytes int64
		if fn, ok := gauges[r.region]; ok {
			entries, bytes = fn()
		}
		out = append(out, r.Snapshot(entries, bytes))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

// Reset starts a new window on every region.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	recs := make([]*Recorder, 0, len(c.regions))
	for _, r := range c.regions {
		recs = append(recs, r)
	}
	c.mu.Unlock()
	for _, r := range recs {
		r.Reset()
	}
}
