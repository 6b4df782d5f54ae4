package provider

import (
	"net/http"
	"time"

	"github.com/knnlabs/conduit/internal/retry"
)

const (
	// DefaultTimeout bounds one upstream request when the deployment does
	// not configure its own.
	DefaultTimeout = 100 * time.Second

	minTimeout = 1 * time.Second
	maxTimeout = 600 * time.Second
)

// Options carry the cross-provider plumbing the client factory owns: the
// shared pooled transport, the retry policy, and the request timeout.
type Options struct {
	// Transport is the shared pooled transport; nil uses the default.
	Transport http.RoundTripper
	// Retry bounds attempts for non-streaming calls and stream connection.
	Retry retry.Policy
	// Timeout is the per-request deadline, clamped to [1s, 600s]; 0 means
	// DefaultTimeout. Streaming reads run on the caller's context.
	Timeout time.Duration
}

// ClampTimeout normalizes a configured timeout into the permitted range.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultTimeout
	case d < minTimeout:
		return minTimeout
	case d > maxTimeout:
		return maxTimeout
	}
	return d
}
