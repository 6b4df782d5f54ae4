package router

import (
	"sort"
	"sync"
	"time"
)

// ewmaAlpha weights new latency samples in the rolling average.
const ewmaAlpha = 0.2

// deploymentStats is the mutable per-deployment record. Updates hold the
// lock for O(1) time; no I/O happens under it.
type deploymentStats struct {
	mu           sync.Mutex
	usageCount   int64
	avgLatencyMS float64
	samples      int64
	lastUsed     time.Time
}

func (s *deploymentStats) recordSuccess(latencyMS float64, now time.Time) {
	s.mu.Lock()
	s.usageCount++
	if s.samples == 0 {
		s.avgLatencyMS = latencyMS
	} else {
		s.avgLatencyMS = ewmaAlpha*latencyMS + (1-ewmaAlpha)*s.avgLatencyMS
	}
	s.samples++
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *deploymentStats) snapshot() (usage int64, avg float64, last time.Time) {
	s.mu.Lock()
	usage, avg, last = s.usageCount, s.avgLatencyMS, s.lastUsed
	s.mu.Unlock()
	return usage, avg, last
}

// statsTable holds one record per deployment id, created on first use.
type statsTable struct {
	mu sync.RWMutex
	m  map[string]*deploymentStats
}

func newStatsTable() *statsTable {
	return &statsTable{m: make(map[string]*deploymentStats)}
}

func (t *statsTable) get(id string) *deploymentStats {
	t.mu.RLock()
	s, ok := t.m[id]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.m[id]; ok {
		return s
	}
	s = &deploymentStats{}
	t.m[id] = s
	return s
}

// DeploymentStats is a read-only snapshot of one deployment's runtime state.
type DeploymentStats struct {
	DeploymentID string    `json:"deployment_id"`
	UsageCount   int64     `json:"usage_count"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastUsed     time.Time `json:"last_used"`
	Healthy      bool      `json:"healthy"`
}

// Stats returns a snapshot for one deployment.
func (r *Router) Stats(deploymentID string) DeploymentStats {
	usage, avg, last := r.stats.get(deploymentID).snapshot()
	return DeploymentStats{
		DeploymentID: deploymentID,
		UsageCount:   usage,
		AvgLatencyMS: avg,
		LastUsed:     last,
		Healthy:      r.healthy(deploymentID),
	}
}

// Snapshot returns statistics for every configured deployment, sorted by id.
func (r *Router) Snapshot() []DeploymentStats {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]DeploymentStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.Stats(id))
	}
	return out
}
