// Package retry implements bounded exponential backoff for outbound provider
// calls. Retry decisions follow the gateway error taxonomy: only kinds the
// router may retry are retried here, and provider Retry-After hints take
// precedence over the computed backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

// Defaults mirror the standard provider retry policy.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts  int           // retries after the first attempt
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on any single delay
	Jitter       bool          // ±25% randomization on computed delays
}

// DefaultPolicy returns the standard policy: 3 retries, 1s initial, 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Jitter:       true,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Delay computes the backoff before retry n (0-based): min(max, initial*2^n),
// with optional jitter.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := p.InitialDelay
	for i := 0; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		// ±25%
		span := float64(d) * 0.25
		d += time.Duration((rand.Float64()*2 - 1) * span)
		if d < 0 {
			d = p.InitialDelay
		}
	}
	return d
}

// Do invokes fn until it succeeds, exhausts the retry budget, or fails with
// a non-retryable kind. A Retry-After hint on the error replaces the computed
// backoff for that wait. Waits abort on context cancellation.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt - 1)
			if hint := conduit.RetryAfterHint(lastErr); hint > 0 {
				delay = hint
				if delay > p.MaxDelay {
					delay = p.MaxDelay
				}
			}
			if err := Sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !conduit.IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseRetryAfter normalizes a Retry-After header value to a duration.
// Accepts delta-seconds or an HTTP-date; returns 0 when absent, negative,
// or unparsable.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
