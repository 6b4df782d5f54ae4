package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CloudPlatformScope grants access to Google Cloud APIs, including
// Vertex AI and the Cloud Text-to-Speech / Speech-to-Text services.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// GCPTokenTransport is an http.RoundTripper that injects a Google OAuth2
// bearer token on every outbound request. Tokens are cached and refreshed
// by the underlying source.
type GCPTokenTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPTokenTransport builds a transport from service-account JSON. When
// saJSON is empty it falls back to Application Default Credentials. scopes
// defaults to CloudPlatformScope when none are given.
func NewGCPTokenTransport(ctx context.Context, base http.RoundTripper, saJSON []byte, scopes ...string) (*GCPTokenTransport, error) {
	if len(scopes) == 0 {
		scopes = []string{CloudPlatformScope}
	}

	var (
		creds *google.Credentials
		err   error
	)
	if len(saJSON) > 0 {
		creds, err = google.CredentialsFromJSON(ctx, saJSON, scopes...)
		if err != nil {
			return nil, fmt.Errorf("cloudauth: parse service account JSON: %w", err)
		}
	} else {
		creds, err = google.FindDefaultCredentials(ctx, scopes...)
		if err != nil {
			return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
		}
	}

	return &GCPTokenTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, creds.TokenSource),
	}, nil
}

// newGCPTokenTransportFromSource creates a GCPTokenTransport with an
// explicit token source (used for testing).
func newGCPTokenTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPTokenTransport {
	return &GCPTokenTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *GCPTokenTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *GCPTokenTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
