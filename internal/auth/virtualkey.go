// Package auth implements virtual key authentication. Keys arrive in the
// X-API-Key header or the apiKey query parameter, are validated against the
// store, and are cached in the virtual-key cache region.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/cache"
	"github.com/knnlabs/conduit/internal/storage"
)

const (
	defaultTTL       = time.Minute // short enough to pick up key revocations promptly
	defaultCacheSize = 10_000      // max concurrent active keys expected per deployment
	touchTimeout     = 5 * time.Second
)

// Lookup and prefix failures share one message so callers cannot probe
// which part of a key was wrong.
var errInvalidKey = conduit.NewError(conduit.KindAuthentication, "invalid API key")

// Options configures a KeyAuth.
type Options struct {
	// TTL bounds how long a validated key is served from cache. 0 means
	// 1 minute.
	TTL time.Duration
	// CacheSize caps the cached key count. 0 means 10000.
	CacheSize int
}

// KeyAuth authenticates requests using virtual keys with the condt_ prefix.
type KeyAuth struct {
	store    storage.VirtualKeyStore
	keys     *cache.Region[conduit.VirtualKey] // keyed by hash
	idToHash sync.Map                          // key id -> hash, for invalidation by id
}

var _ conduit.Authenticator = (*KeyAuth)(nil)

// New returns a KeyAuth backed by store. collector may be nil to run
// without cache statistics.
func New(store storage.VirtualKeyStore, collector *cache.Collector, opts Options) (*KeyAuth, error) {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	keys, err := cache.NewRegion[conduit.VirtualKey](collector, conduit.RegionVirtualKeys, opts.CacheSize, opts.TTL, nil)
	if err != nil {
		return nil, err
	}
	return &KeyAuth{store: store, keys: keys}, nil
}

// Authenticate extracts the virtual key from the request, validates it, and
// returns it. Every failure carries KindAuthentication except store faults,
// which surface as-is.
func (a *KeyAuth) Authenticate(ctx context.Context, r *http.Request) (*conduit.VirtualKey, error) {
	raw := extractKey(r)
	if raw == "" {
		return nil, conduit.NewError(conduit.KindAuthentication, "missing API key")
	}
	if !strings.HasPrefix(raw, conduit.VirtualKeyPrefix) {
		return nil, errInvalidKey
	}
	hash := conduit.HashKey(raw)

	if k, ok := a.keys.Get(hash); ok {
		if err := validateKey(&k); err != nil {
			a.keys.Delete(hash)
			return nil, err
		}
		return &k, nil
	}

	k, err := a.store.GetVirtualKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, conduit.ErrNotFound) {
			return nil, errInvalidKey
		}
		return nil, fmt.Errorf("auth: load key: %w", err)
	}

	// The store lookup already matched; the constant-time compare guards
	// against collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(k.KeyHash), []byte(hash)) != 1 {
		return nil, errInvalidKey
	}
	if err := validateKey(k); err != nil {
		return nil, err
	}

	a.keys.Set(hash, *k)
	a.idToHash.Store(k.ID, hash)

	// Touch last-used asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
		defer cancel()
		a.store.TouchVirtualKeyUsed(ctx, k.ID) //nolint:errcheck
	}()

	return k, nil
}

// Invalidate drops a cached key by its id. Callers use it when a key is
// updated or deleted so the change takes effect before the TTL lapses.
func (a *KeyAuth) Invalidate(keyID string) {
	if hash, ok := a.idToHash.LoadAndDelete(keyID); ok {
		a.keys.Delete(hash.(string))
	}
}

// extractKey pulls the raw key from the request. The header wins over the
// query parameter; the parameter exists for websocket clients that cannot
// set headers.
func extractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("apiKey")
}

// validateKey rejects disabled and lapsed keys. Disabled keys are never
// cached, so the check matters only on the store path; expiry can lapse
// while a key sits in cache.
func validateKey(k *conduit.VirtualKey) error {
	if !k.Enabled {
		return conduit.NewError(conduit.KindAuthentication, "API key is disabled")
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
		return conduit.NewError(conduit.KindAuthentication, "API key is expired")
	}
	return nil
}
