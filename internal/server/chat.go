package server

import (
	"log/slog"
	"net/http"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

// keepAliveEvery paces SSE comment frames on idle streams so intermediary
// proxies do not cut the connection while a slow model thinks.
const keepAliveEvery = 15 * time.Second

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req conduit.ChatRequest
	if !s.decodeRequestBody(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required"))
		return
	}
	if err := s.checkModelAccess(r, req.Model); err != nil {
		writeError(w, r, err)
		return
	}

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req)
		return
	}

	resp, err := s.deps.Dispatch.Chat(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream relays provider chunks as SSE data frames.
// Errors before the first frame surface as a JSON error response; once the
// stream is committed, failures can only end it with [DONE].
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *conduit.ChatRequest) {
	ch, err := s.deps.Dispatch.ChatStream(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
					slog.String("request_id", conduit.RequestIDFromContext(r.Context())),
				)
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			writeSSEData(w, chunk.Data)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
