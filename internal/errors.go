package conduit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotFound is returned by storage lookups that match no row. Callers
// translate it into a kind appropriate to what was being looked up.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies a gateway failure. The kind decides the HTTP status
// surfaced to clients and whether the router may retry or fall back.
type ErrorKind int

const (
	// KindConfiguration covers missing mappings, providers, or credentials.
	KindConfiguration ErrorKind = iota
	// KindAuthentication means the provider rejected our credential.
	KindAuthentication
	// KindInvalidModel means the requested model is unknown or disabled.
	KindInvalidModel
	// KindUnsupported means the provider cannot serve this modality.
	KindUnsupported
	// KindContextLength means the request exceeds the model's context limit.
	KindContextLength
	// KindRateLimited means the provider returned 429 or a local cap was hit.
	KindRateLimited
	// KindTimeout means the local per-request deadline expired.
	KindTimeout
	// KindCommunication covers transport failures and malformed responses.
	KindCommunication
	// KindProviderInternal means the provider returned a 5xx.
	KindProviderInternal
	// KindCancelled means the caller abandoned the request.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindInvalidModel:
		return "invalid_model"
	case KindUnsupported:
		return "unsupported_operation"
	case KindContextLength:
		return "context_length_exceeded"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindCommunication:
		return "communication"
	case KindProviderInternal:
		return "provider_internal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StatusClientClosedRequest is the nginx convention for caller-driven
// cancellation; net/http has no constant for it.
const StatusClientClosedRequest = 499

// HTTPStatus maps the kind to the status surfaced at the API boundary.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindInvalidModel, KindUnsupported, KindContextLength:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCommunication, KindProviderInternal:
		return http.StatusBadGateway
	case KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the router may retry or fall back on this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindCommunication, KindProviderInternal:
		return true
	default:
		return false
	}
}

// Error is the canonical gateway error. Provider response bodies are kept in
// Body for diagnostics and never echoed verbatim to clients.
type Error struct {
	Kind       ErrorKind
	Message    string
	Provider   string        // provider name, when known
	Model      string        // model alias, when known
	StatusCode int           // upstream HTTP status, 0 if none
	Body       string        // upstream response body, diagnostics only
	RetryAfter time.Duration // from a Retry-After header, 0 if absent
	Err        error         // wrapped cause
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status surfaced at the API boundary.
func (e *Error) HTTPStatus() int { return e.Kind.HTTPStatus() }

// Retryable reports whether the router may retry this failure.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// NewError constructs an Error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf constructs an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs an Error of the given kind wrapping a cause.
func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// AsError unwraps err to a *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies an arbitrary error. Context cancellation and deadline
// expiry map to their dedicated kinds; anything unrecognized is a
// communication failure.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindCommunication
}

// IsRetryable reports whether the router may retry or fall back on err.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// RetryAfterHint returns the provider-supplied retry delay, if any.
func RetryAfterHint(err error) time.Duration {
	if e, ok := AsError(err); ok {
		return e.RetryAfter
	}
	return 0
}
