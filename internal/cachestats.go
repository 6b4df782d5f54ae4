package conduit

import "time"

// --- Cache statistics model ---

// CacheRegion names one logical cache the gateway operates.
type CacheRegion string

const (
	RegionVirtualKeys CacheRegion = "virtual_keys"
	RegionCredentials CacheRegion = "credentials"
	RegionMappings    CacheRegion = "model_mappings"
	RegionTariffs     CacheRegion = "tariffs"
)

// CacheOperation classifies one cache access for the per-operation breakdown.
type CacheOperation string

const (
	CacheOpGet    CacheOperation = "get"
	CacheOpSet    CacheOperation = "set"
	CacheOpRemove CacheOperation = "remove"
	CacheOpEvict  CacheOperation = "evict"
)

// CacheStatistics is a snapshot of one region's counters over a time window.
type CacheStatistics struct {
	Region      CacheRegion `json:"region"`
	Hits        int64       `json:"hits"`
	Misses      int64       `json:"misses"`
	Sets        int64       `json:"sets"`
	Removes     int64       `json:"removes"`
	Evictions   int64       `json:"evictions"`
	Errors      int64       `json:"errors"`
	EntryCount  int64       `json:"entry_count"`
	MemoryBytes int64       `json:"memory_bytes"`

	AvgLatencyMS float64 `json:"avg_latency_ms"`
	P95LatencyMS float64 `json:"p95_latency_ms"`
	P99LatencyMS float64 `json:"p99_latency_ms"`
	MaxLatencyMS float64 `json:"max_latency_ms"`

	WindowStart time.Time                `json:"window_start"`
	WindowEnd   time.Time                `json:"window_end"`
	Operations  map[CacheOperation]int64 `json:"operations,omitempty"`
}

// TotalRequests is the number of lookups in the window.
func (s *CacheStatistics) TotalRequests() int64 {
	return s.Hits + s.Misses
}

// HitRate is hits/total, or 0 when the window saw no lookups.
func (s *CacheStatistics) HitRate() float64 {
	total := s.TotalRequests()
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// CacheAlertType classifies a cache health alert.
type CacheAlertType string

const (
	AlertLowHitRate          CacheAlertType = "low_hit_rate"
	AlertHighMemoryUsage     CacheAlertType = "high_memory_usage"
	AlertHighEvictionRate    CacheAlertType = "high_eviction_rate"
	AlertHighResponseTime    CacheAlertType = "high_response_time"
	AlertCacheUnhealthy      CacheAlertType = "cache_unhealthy"
	AlertRedisConnectionLost CacheAlertType = "redis_connection_lost"
	AlertRegionFailure       CacheAlertType = "region_failure"
)

// AlertSeverity ranks alert urgency.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// CacheAlert is one fired alert. A given (region, type) pair may re-fire
// only after Cooldown has elapsed since TriggeredAt.
type CacheAlert struct {
	ID          string         `json:"id"`
	Region      CacheRegion    `json:"region"`
	Type        CacheAlertType `json:"type"`
	Severity    AlertSeverity  `json:"severity"`
	Message     string         `json:"message"`
	Current     float64        `json:"current_value"`
	Threshold   float64        `json:"threshold_value"`
	TriggeredAt time.Time      `json:"triggered_at"`
	Cooldown    time.Duration  `json:"cooldown"`
}
