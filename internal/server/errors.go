package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	conduit "github.com/knnlabs/conduit/internal"
)

// apiError is the OpenAI-dialect error envelope. Code carries the gateway's
// error kind so clients can branch without parsing messages.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// errorType maps a kind onto the OpenAI error type families.
func errorType(k conduit.ErrorKind) string {
	switch k {
	case conduit.KindAuthentication:
		return "authentication_error"
	case conduit.KindInvalidModel, conduit.KindUnsupported, conduit.KindContextLength:
		return "invalid_request_error"
	case conduit.KindRateLimited:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

func kindEnvelope(k conduit.ErrorKind, msg string) apiError {
	return apiError{Error: apiErrorBody{Message: msg, Type: errorType(k), Code: k.String()}}
}

func errorResponse(msg string) apiError {
	return apiError{Error: apiErrorBody{Message: msg, Type: "invalid_request_error"}}
}

// writeError maps err onto the HTTP boundary. Domain errors carry their own
// status via the kind table; anything else is an internal fault whose details
// stay in the log, except caller-driven cancellation and deadline expiry
// which keep their kinds.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := conduit.AsError(err)
	if !ok {
		kind := conduit.KindOf(err)
		if kind == conduit.KindTimeout || kind == conduit.KindCancelled {
			writeJSON(w, kind.HTTPStatus(), kindEnvelope(kind, err.Error()))
			return
		}
		slog.LogAttrs(r.Context(), slog.LevelError, "internal error",
			slog.String("error", err.Error()),
			slog.String("request_id", conduit.RequestIDFromContext(r.Context())),
		)
		writeJSON(w, http.StatusInternalServerError,
			apiError{Error: apiErrorBody{Message: "internal server error", Type: "api_error"}})
		return
	}

	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("kind", e.Kind.String()),
			slog.String("error", e.Error()),
			slog.String("request_id", conduit.RequestIDFromContext(r.Context())),
		)
	}
	writeJSON(w, status, kindEnvelope(e.Kind, e.Error()))
}

// decodeRequestBody caps the body at the configured limit and decodes JSON
// into v, writing the error response itself. Returns true on success.
func (s *server) decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
