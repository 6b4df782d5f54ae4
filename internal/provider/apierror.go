// Package provider contains shared plumbing for LLM provider adapters:
// upstream error classification, the pooled HTTP transport, and the metrics
// decorator applied by the client factory.
package provider

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/retry"
)

// maxErrorBody caps how much of an upstream error response is retained.
const maxErrorBody = 4096

// PhraseRule maps a lowercase substring of an upstream error body to a
// canonical error kind. Adapters pass provider-specific rules to
// ParseAPIError to refine generic 4xx classification.
type PhraseRule struct {
	Substring string
	Kind      conduit.ErrorKind
}

// defaultPhrases are consulted for every provider after any adapter rules.
var defaultPhrases = []PhraseRule{
	{"context length", conduit.KindContextLength},
	{"context_length", conduit.KindContextLength},
	{"maximum context", conduit.KindContextLength},
	{"too many tokens", conduit.KindContextLength},
	{"prompt is too long", conduit.KindContextLength},
	{"model not found", conduit.KindInvalidModel},
	{"model_not_found", conduit.KindInvalidModel},
	{"does not exist", conduit.KindInvalidModel},
	{"decommissioned", conduit.KindInvalidModel},
	{"rate limit", conduit.KindRateLimited},
	{"rate_limit", conduit.KindRateLimited},
	{"quota", conduit.KindRateLimited},
	{"not supported", conduit.KindUnsupported},
	{"unsupported", conduit.KindUnsupported},
	{"invalid api key", conduit.KindAuthentication},
	{"incorrect api key", conduit.KindAuthentication},
	{"invalid_api_key", conduit.KindAuthentication},
}

// ParseAPIError drains up to 4KB of the response body and classifies the
// failure into a *conduit.Error. The status code decides the kind; for
// ambiguous 4xx responses the body is matched against the adapter's rules,
// then the shared table. Retry-After is captured when the kind is retryable.
func ParseAPIError(providerName, model string, resp *http.Response, rules ...PhraseRule) *conduit.Error {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	}

	kind := kindForStatus(resp.StatusCode)
	if refinable(resp.StatusCode) {
		lower := strings.ToLower(string(body))
		if k, ok := matchPhrase(lower, rules); ok {
			kind = k
		} else if k, ok := matchPhrase(lower, defaultPhrases); ok {
			kind = k
		}
	}

	msg := upstreamMessage(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	e := &conduit.Error{
		Kind:       kind,
		Message:    msg,
		Provider:   providerName,
		Model:      model,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
	if kind.Retryable() {
		e.RetryAfter = retry.ParseRetryAfter(resp.Header, time.Now())
	}
	return e
}

// kindForStatus maps an upstream HTTP status to an error kind. 501 and 505
// land on non-retryable kinds so they are excluded from the 5xx retry class.
func kindForStatus(status int) conduit.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return conduit.KindAuthentication
	case status == http.StatusNotFound:
		return conduit.KindInvalidModel
	case status == http.StatusRequestTimeout:
		return conduit.KindCommunication
	case status == http.StatusRequestEntityTooLarge:
		return conduit.KindContextLength
	case status == http.StatusTooManyRequests:
		return conduit.KindRateLimited
	case status == http.StatusNotImplemented:
		return conduit.KindUnsupported
	case status == http.StatusHTTPVersionNotSupported:
		return conduit.KindConfiguration
	case status >= 500:
		return conduit.KindProviderInternal
	default:
		return conduit.KindInvalidModel
	}
}

// refinable reports whether body phrases may override the status-derived
// kind. 401 and 429 are definitive; everything else in the 4xx range is
// provider-dependent phrasing.
func refinable(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusUnauthorized &&
		status != http.StatusTooManyRequests
}

func matchPhrase(lowerBody string, rules []PhraseRule) (conduit.ErrorKind, bool) {
	for _, r := range rules {
		if strings.Contains(lowerBody, r.Substring) {
			return r.Kind, true
		}
	}
	return 0, false
}

// upstreamMessage extracts a human-readable message from a JSON error body.
// Providers disagree on the envelope, so several common paths are tried.
func upstreamMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"error.message", "message", "detail", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
