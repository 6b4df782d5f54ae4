package conduit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestHashKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "prefix only", raw: VirtualKeyPrefix},
		{name: "typical key", raw: "condt_abc123xyz"},
		{name: "long key", raw: "condt_" + "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HashKey(tt.raw)
			h := sha256.Sum256([]byte(tt.raw))
			want := hex.EncodeToString(h[:])
			if got != want {
				t.Errorf("HashKey(%q) = %q, want %q", tt.raw, got, want)
			}
			if len(got) != 64 {
				t.Errorf("HashKey len = %d, want 64", len(got))
			}
		})
	}

	t.Run("distinct inputs produce distinct hashes", func(t *testing.T) {
		t.Parallel()
		if HashKey("key1") == HashKey("key2") {
			t.Error("distinct inputs produced same hash")
		}
	})
}

func TestVirtualKey_AllowsModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		model   string
		want    bool
	}{
		{name: "nil allows all", allowed: nil, model: "gpt-4o", want: true},
		{name: "empty allows all", allowed: []string{}, model: "gpt-4o", want: true},
		{name: "listed", allowed: []string{"gpt-4o", "claude-sonnet"}, model: "claude-sonnet", want: true},
		{name: "not listed", allowed: []string{"gpt-4o"}, model: "claude-sonnet", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			k := &VirtualKey{AllowedModels: tt.allowed}
			if got := k.AllowsModel(tt.model); got != tt.want {
				t.Errorf("AllowsModel(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestContextWithRequestID_RequestIDFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
	}{
		{name: "non-empty", id: "req-abc-123"},
		{name: "empty string", id: ""},
		{name: "uuid-like", id: "018f1b2c-3d4e-7a5b-8c9d-0e1f2a3b4c5d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := ContextWithRequestID(context.Background(), tt.id)
			got := RequestIDFromContext(ctx)
			if got != tt.id {
				t.Errorf("RequestIDFromContext = %q, want %q", got, tt.id)
			}
		})
	}

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		got := RequestIDFromContext(context.Background())
		if got != "" {
			t.Errorf("RequestIDFromContext on bare ctx = %q, want empty", got)
		}
	})
}

func TestContextWithKey_KeyFromContext(t *testing.T) {
	t.Parallel()

	t.Run("set on bare context", func(t *testing.T) {
		t.Parallel()
		k := &VirtualKey{ID: "vk-1", Name: "svc"}
		ctx := ContextWithKey(context.Background(), k)
		if got := KeyFromContext(ctx); got != k {
			t.Errorf("KeyFromContext = %v, want %v", got, k)
		}
	})

	t.Run("mutates existing meta", func(t *testing.T) {
		t.Parallel()
		// Simulate middleware: requestID set first, key added later.
		ctx := ContextWithRequestID(context.Background(), "req-xyz")
		k := &VirtualKey{ID: "vk-2"}
		ctx2 := ContextWithKey(ctx, k)
		// Same context pointer (no new WithValue).
		if ctx2 != ctx {
			t.Error("ContextWithKey should return same ctx when meta already present")
		}
		if got := KeyFromContext(ctx2); got != k {
			t.Errorf("KeyFromContext = %v, want %v", got, k)
		}
		if got := RequestIDFromContext(ctx2); got != "req-xyz" {
			t.Errorf("RequestIDFromContext after ContextWithKey = %q, want req-xyz", got)
		}
	})

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		if got := KeyFromContext(context.Background()); got != nil {
			t.Errorf("KeyFromContext on bare ctx = %v, want nil", got)
		}
	})
}
