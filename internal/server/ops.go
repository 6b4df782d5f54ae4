package server

import (
	"net/http"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

// cacheStatsResponse is the operational cache report: one entry per live
// region, any alerts the snapshot fired, and the snapshot timestamp.
type cacheStatsResponse struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Regions     []conduit.CacheStatistics `json:"regions"`
	Alerts      []conduit.CacheAlert      `json:"alerts,omitempty"`
}

func (s *server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	snaps := s.deps.Collector.Snapshot()
	resp := cacheStatsResponse{
		GeneratedAt: time.Now().UTC(),
		Regions:     snaps,
	}
	if s.deps.Alerts != nil {
		resp.Alerts = s.deps.Alerts.Evaluate(snaps)
	}
	writeJSON(w, http.StatusOK, resp)
}
