package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	conduit "github.com/knnlabs/conduit/internal"
)

// Thresholds configures the alert evaluator. Zero values disable the
// corresponding rule except MinHitRate, where zero means the rule never
// fires anyway.
type Thresholds struct {
	// MinHitRate fires low_hit_rate when a region's hit rate drops below
	// it. MinLookups is the sample floor; windows with fewer lookups are
	// skipped so cold caches do not alert.
	MinHitRate float64
	MinLookups int64

	// MaxMemoryBytes fires high_memory_usage above it.
	MaxMemoryBytes int64

	// MaxEvictionsPerMin fires high_eviction_rate when the window's
	// eviction rate exceeds it.
	MaxEvictionsPerMin float64

	// MaxP95LatencyMS fires high_response_time above it.
	MaxP95LatencyMS float64

	// MaxErrors fires region_failure when a window records more errors.
	MaxErrors int64
}

// DefaultThresholds returns the evaluator defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHitRate:         0.5,
		MinLookups:         50,
		MaxMemoryBytes:     256 << 20,
		MaxEvictionsPerMin: 100,
		MaxP95LatencyMS:    50,
		MaxErrors:          0,
	}
}

type alertKey struct {
	region conduit.CacheRegion
	typ    conduit.CacheAlertType
}

// AlertEvaluator turns statistics snapshots into alerts. A given
// (region, type) pair re-fires only after the cooldown has elapsed since its
// last firing.
type AlertEvaluator struct {
	mu       sync.Mutex
	th       Thresholds
	cooldown time.Duration
	last     map[alertKey]time.Time
	now      func() time.Time
}

// NewAlertEvaluator creates an evaluator. A non-positive cooldown defaults
// to five minutes.
func NewAlertEvaluator(th Thresholds, cooldown time.Duration) *AlertEvaluator {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &AlertEvaluator{
		th:       th,
		cooldown: cooldown,
		last:     make(map[alertKey]time.Time),
		now:      time.Now,
	}
}

// Evaluate checks every snapshot against the thresholds and returns the
// alerts that fired. Alerts suppressed by cooldown are not returned and do
// not reset their timer.
func (e *AlertEvaluator) Evaluate(snaps []conduit.CacheStatistics) []conduit.CacheAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var fired []conduit.CacheAlert
	for i := range snaps {
		s := &snaps[i]
		if a, ok := e.hitRateAlert(s); ok {
			fired = e.fire(fired, a)
		}
		if a, ok := e.memoryAlert(s); ok {
			fired = e.fire(fired, a)
		}
		if a, ok := e.evictionAlert(s); ok {
			fired = e.fire(fired, a)
		}
		if a, ok := e.latencyAlert(s); ok {
			fired = e.fire(fired, a)
		}
		if a, ok := e.failureAlert(s); ok {
			fired = e.fire(fired, a)
		}
	}
	return fired
}

// fire applies the cooldown law and stamps identity fields.
func (e *AlertEvaluator) fire(fired []conduit.CacheAlert, a conduit.CacheAlert) []conduit.CacheAlert {
	k := alertKey{region: a.Region, typ: a.Type}
	now := e.now()
	if last, ok := e.last[k]; ok && now.Sub(last) < e.cooldown {
		return fired
	}
	e.last[k] = now
	a.ID = uuid.Must(uuid.NewV7()).String()
	a.TriggeredAt = now
	a.Cooldown = e.cooldown
	return append(fired, a)
}

func (e *AlertEvaluator) hitRateAlert(s *conduit.CacheStatistics) (conduit.CacheAlert, bool) {
	if e.th.MinHitRate <= 0 || s.TotalRequests() < e.th.MinLookups {
		return conduit.CacheAlert{}, false
	}
	rate := s.HitRate()
	if rate >= e.th.MinHitRate {
		return conduit.CacheAlert{}, false
	}
	sev := conduit.SeverityWarning
	if rate < e.th.MinHitRate/2 {
		sev = conduit.SeverityCritical
	}
	return conduit.CacheAlert{
		Region:    s.Region,
		Type:      conduit.AlertLowHitRate,
		Severity:  sev,
		Message:   fmt.Sprintf("%s hit rate %.1f%% below %.1f%%", s.Region, rate*100, e.th.MinHitRate*100),
		Current:   rate,
		Threshold: e.th.MinHitRate,
	}, true
}

func (e *AlertEvaluator) memoryAlert(s *conduit.CacheStatistics) (conduit.CacheAlert, bool) {
	if e.th.MaxMemoryBytes <= 0 || s.MemoryBytes <= e.th.MaxMemoryBytes {
		return conduit.CacheAlert{}, false
	}
	sev := conduit.SeverityWarning
	if s.MemoryBytes > 2*e.th.MaxMemoryBytes {
		sev = conduit.SeverityCritical
	}
	return conduit.CacheAlert{
		Region:    s.Region,
		Type:      conduit.AlertHighMemoryUsage,
		Severity:  sev,
		Message:   fmt.Sprintf("%s using %d bytes, limit %d", s.Region, s.MemoryBytes, e.th.MaxMemoryBytes),
		Current:   float64(s.MemoryBytes),
		Threshold: float64(e.th.MaxMemoryBytes),
	}, true
}

func (e *AlertEvaluator) evictionAlert(s *conduit.CacheStatistics) (conduit.CacheAlert, bool) {
	if e.th.MaxEvictionsPerMin <= 0 {
		return conduit.CacheAlert{}, false
	}
	mins := s.WindowEnd.Sub(s.WindowStart).Minutes()
	if mins <= 0 {
		return conduit.CacheAlert{}, false
	}
	rate := float64(s.Evictions) / mins
	if rate <= e.th.MaxEvictionsPerMin {
		return conduit.CacheAlert{}, false
	}
	return conduit.CacheAlert{
		Region:    s.Region,
		Type:      conduit.AlertHighEvictionRate,
		Severity:  conduit.SeverityWarning,
		Message:   fmt.Sprintf("%s evicting %.0f entries/min, limit %.0f", s.Region, rate, e.th.MaxEvictionsPerMin),
		Current:   rate,
		Threshold: e.th.MaxEvictionsPerMin,
	}, true
}

func (e *AlertEvaluator) latencyAlert(s *conduit.CacheStatistics) (conduit.CacheAlert, bool) {
	if e.th.MaxP95LatencyMS <= 0 || s.P95LatencyMS <= e.th.MaxP95LatencyMS {
		return conduit.CacheAlert{}, false
	}
	return conduit.CacheAlert{
		Region:    s.Region,
		Type:      conduit.AlertHighResponseTime,
		Severity:  conduit.SeverityWarning,
		Message:   fmt.Sprintf("%s P95 latency %.1fms above %.1fms", s.Region, s.P95LatencyMS, e.th.MaxP95LatencyMS),
		Current:   s.P95LatencyMS,
		Threshold: e.th.MaxP95LatencyMS,
	}, true
}

func (e *AlertEvaluator) failureAlert(s *conduit.CacheStatistics) (conduit.CacheAlert, bool) {
	if s.Errors <= e.th.MaxErrors {
		return conduit.CacheAlert{}, false
	}
	return conduit.CacheAlert{
		Region:    s.Region,
		Type:      conduit.AlertRegionFailure,
		Severity:  conduit.SeverityError,
		Message:   fmt.Sprintf("%s recorded %d errors in window", s.Region, s.Errors),
		Current:   float64(s.Errors),
		Threshold: float64(e.th.MaxErrors),
	}, true
}
