// Package urlutil composes provider endpoint URLs. Providers hand us base
// URLs in every imaginable shape (trailing slashes, missing version
// segments, ws schemes); these helpers normalize without ever producing a
// double slash outside the scheme.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Combine joins base and path segments with single slashes. Exactly one
// trailing slash is trimmed from the left side and one leading slash from
// each segment; empty segments are skipped. Folds left over the segments.
func Combine(base string, paths ...string) string {
	out := base
	for _, p := range paths {
		p = strings.TrimPrefix(p, "/")
		if p == "" {
			continue
		}
		out = strings.TrimSuffix(out, "/") + "/" + p
	}
	return out
}

// AppendQueryString appends one percent-encoded key=value pair, reusing an
// existing "?" when present. Empty keys or values leave the URL unchanged.
func AppendQueryString(rawURL, key, value string) string {
	if key == "" || value == "" {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}

// EnsureSegment appends a path segment iff the URL's path does not already
// contain it (case-insensitive). The query string, when present, is
// preserved after the inserted segment.
func EnsureSegment(rawURL, segment string) string {
	seg := strings.Trim(segment, "/")
	if seg == "" {
		return rawURL
	}
	base, query, hasQuery := strings.Cut(rawURL, "?")
	rest := base
	if i := strings.Index(base, "://"); i >= 0 {
		rest = base[i+3:]
	}
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		for _, part := range strings.Split(rest[j+1:], "/") {
			if strings.EqualFold(part, seg) {
				return rawURL
			}
		}
	}
	out := Combine(base, seg)
	if hasQuery {
		out += "?" + query
	}
	return out
}

// ToWebSocketURL rewrites an HTTP(S) URL to its websocket equivalent.
// ws/wss URLs pass through unchanged; any other scheme is an error.
func ToWebSocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("cannot derive websocket url from scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// IsValidURL reports whether rawURL parses with an http(s) or ws(s) scheme
// and a non-empty host.
func IsValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return false
	}
	return u.Host != ""
}
