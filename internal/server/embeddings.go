package server

import (
	"net/http"

	conduit "github.com/knnlabs/conduit/internal"
)

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req conduit.EmbeddingRequest
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

	resp, err := s.deps.Dispatch.Embeddings(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
