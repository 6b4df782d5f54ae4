package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/realtime"
)

// RealtimeOptions bounds realtime session admission.
type RealtimeOptions struct {
	MaxSessions      int           // 0 = unlimited
	HandshakeTimeout time.Duration // 0 = 10s
	MaxDuration      time.Duration // 0 = uncapped
}

// handleRealtime upgrades the inbound connection and bridges it to a
// provider session. Validation and admission failures surface as plain HTTP
// errors before the upgrade; once upgraded, the socket is the only channel
// left and failures end the bridge.
func (s *server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	model := q.Get("model")
	if model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model query parameter is required"))
		return
	}
	if err := s.checkModelAccess(r, model); err != nil {
		writeError(w, r, err)
		return
	}

	if n := s.rtSessions.Add(1); s.deps.Realtime.MaxSessions > 0 && n > int64(s.deps.Realtime.MaxSessions) {
		s.rtSessions.Add(-1)
		writeJSON(w, http.StatusTooManyRequests,
			kindEnvelope(conduit.KindRateLimited, "realtime session limit reached"))
		return
	}
	defer s.rtSessions.Add(-1)

	ctx := r.Context()
	if d := s.deps.Realtime.MaxDuration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	cfg := conduit.RealtimeSessionConfig{
		Model:        model,
		Voice:        q.Get("voice"),
		Language:     q.Get("language"),
		InputFormat:  q.Get("input_format"),
		OutputFormat: q.Get("output_format"),
		SystemPrompt: q.Get("instructions"),
		VAD:          q.Get("vad") != "false",
		Interruption: q.Get("interruption") != "false",
	}
	if key := conduit.KeyFromContext(ctx); key != nil {
		cfg.VirtualKeyID = key.ID
	}

	start := time.Now()
	sess, provider, err := s.deps.Dispatch.OpenRealtime(ctx, cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade wrote the handshake error itself.
		sess.Close()
		return
	}

	if m := s.deps.Metrics; m != nil {
		m.SessionsActive.Inc()
		defer m.SessionsActive.Dec()
	}

	bridgeErr := realtime.Bridge(ctx, conn, sess, slog.Default())
	conn.Close()

	info := sess.Info()
	if m := s.deps.Metrics; m != nil {
		m.SessionAudioBytes.WithLabelValues(provider, "in").Add(float64(info.Usage.AudioBytesIn))
		m.SessionAudioBytes.WithLabelValues(provider, "out").Add(float64(info.Usage.AudioBytesOut))
	}
	s.deps.Dispatch.SettleRealtime(ctx, model, provider, info.Usage, start, bridgeErr)
}
