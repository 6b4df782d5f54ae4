// Package cloudauth provides http.RoundTripper decorators that inject
// authentication material for upstream LLM providers: static API keys
// (header or query string), AWS Signature Version 4, and Google OAuth2
// service-account tokens.
package cloudauth

import "net/http"

// APIKeyTransport is an http.RoundTripper that injects a static API key
// on every outbound request. HeaderName selects the header to set
// ("Authorization", "x-api-key", "api-key", "x-goog-api-key"); Prefix is
// prepended to Key ("Bearer " for Authorization headers). If QueryParam
// is set the key is appended to the URL query string instead, for
// providers that authenticate via ?key=.
type APIKeyTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	QueryParam string
	Base       http.RoundTripper
}

// RoundTrip clones the request and attaches the key. An empty Key passes
// the request through untouched, for local upstreams that run without
// authentication.
func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.Key == "" {
		return t.base().RoundTrip(r)
	}
	r2 := r.Clone(r.Context())
	if t.QueryParam != "" {
		q := r2.URL.Query()
		q.Set(t.QueryParam, t.Key)
		r2.URL.RawQuery = q.Encode()
	} else {
		r2.Header.Set(t.HeaderName, t.Prefix+t.Key)
	}
	return t.base().RoundTrip(r2)
}

func (t *APIKeyTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// BearerTransport returns an APIKeyTransport preset for the common
// Authorization: Bearer scheme.
func BearerTransport(key string, base http.RoundTripper) *APIKeyTransport {
	return &APIKeyTransport{
		Key:        key,
		HeaderName: "Authorization",
		Prefix:     "Bearer ",
		Base:       base,
	}
}
