package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	conduit "github.com/knnlabs/conduit/internal"
)

func kindErr(k conduit.ErrorKind) error {
	return conduit.Errorf(k, "provider: boom")
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want float64
	}{
		{"nil", nil, 0},
		{"rate_limited", kindErr(conduit.KindRateLimited), 0.5},
		{"timeout", kindErr(conduit.KindTimeout), 1.5},
		{"provider_internal", kindErr(conduit.KindProviderInternal), 1.0},
		{"communication", kindErr(conduit.KindCommunication), 1.0},
		{"authentication", kindErr(conduit.KindAuthentication), 0},
		{"invalid_model", kindErr(conduit.KindInvalidModel), 0},
		{"unsupported", kindErr(conduit.KindUnsupported), 0},
		{"context_length", kindErr(conduit.KindContextLength), 0},
		{"configuration", kindErr(conduit.KindConfiguration), 0},
		{"cancelled", kindErr(conduit.KindCancelled), 0},
		{"context_deadline", context.DeadlineExceeded, 1.5},
		{"wrapped_deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), 1.5},
		{"context_cancel", context.Canceled, 0},
		// Unclassified errors fall through to communication faults.
		{"generic_error", errors.New("something broke"), 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyError(tt.err)
			if got != tt.want {
				t.Errorf("ClassifyError(%v) = %f, want %f", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyError_WrappedKind(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("call failed: %w", kindErr(conduit.KindRateLimited))
	if got := ClassifyError(wrapped); got != 0.5 {
		t.Errorf("wrapped rate-limit = %f, want 0.5", got)
	}
}
