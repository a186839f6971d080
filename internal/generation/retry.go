package generation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
)

// Retrying wraps a Generator and retries transient failures with exponential
// backoff. Fatal and unclassified errors are returned immediately.
type Retrying struct {
	next           Generator
	maxAttempts    int
	initialBackoff time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
}

// WithRetry returns g wrapped in a retry loop of at most maxAttempts calls,
// waiting initialBackoff*2^n between attempts.
func WithRetry(g Generator, maxAttempts int, initialBackoff time.Duration) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	return &Retrying{
		next:           g,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		sleep:          sleepCtx,
		logger:         slog.Default(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (r *Retrying) Invoke(ctx context.Context, role Role, prompt string, gc Context) (Output, error) {
	var lastErr error
	for attempt := range r.maxAttempts {
		out, err := r.next.Invoke(ctx, role, prompt, gc)
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) {
			return Output{}, err
		}

		lastErr = err
		if attempt < r.maxAttempts-1 {
			backoff := time.Duration(float64(r.initialBackoff) * math.Pow(2, float64(attempt)))
			r.logger.Warn("generation call failed, retrying", "role", role, "attempt", attempt+1, "backoff", backoff, "error", err)
			if err := r.sleep(ctx, backoff); err != nil {
				return Output{}, err
			}
		}
	}
	return Output{}, fmt.Errorf("%s failed after %d attempts: %w", role, r.maxAttempts, lastErr)
}
