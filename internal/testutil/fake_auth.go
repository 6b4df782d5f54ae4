package testutil

import (
	"context"
	"net/http"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

// FakeAuth authenticates every request with an unrestricted virtual key.
type FakeAuth struct{}

// Authenticate returns an enabled test key with no model or rate limits.
func (FakeAuth) Authenticate(context.Context, *http.Request) (*conduit.VirtualKey, error) {
	return &conduit.VirtualKey{
		ID:        "vk-test",
		KeyPrefix: "condt_te",
		Name:      "test",
		Enabled:   true,
		CreatedAt: time.Unix(1700000000, 0),
	}, nil
}

// RejectAuth rejects every request.
type RejectAuth struct{}

// Authenticate always fails with KindAuthentication.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*conduit.VirtualKey, error) {
	return nil, conduit.NewError(conduit.KindAuthentication, "invalid API key")
}
