// Package retry executes operations with bounded exponential backoff,
// consulting the error classifier to decide whether a failure is worth
// retrying at all.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/haasonsaas/agentd/internal/classify"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay is the backoff base for the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Label identifies the operation in logs.
	Label string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the standard provider-call retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   16 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 16 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Do invokes op, retrying classified-retryable failures with exponential
// backoff and jitter. Non-retryable failures propagate immediately. After
// exhausting retries the original error is returned, not a wrapper.
func Do(ctx context.Context, cfg Config, op func() error) error {
	cfg.applyDefaults()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}

		ce := classify.Classify(lastErr)
		if !ce.Retryable {
			return lastErr
		}
		if attempt >= cfg.MaxRetries {
			return lastErr
		}

		delay := backoff(attempt, cfg.BaseDelay, cfg.MaxDelay)
		cfg.Logger.Warn("retrying after transient failure",
			"label", cfg.Label,
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"delay_ms", delay.Milliseconds(),
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// DoWithValue is Do for operations returning a value.
func DoWithValue[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	var value T
	err := Do(ctx, cfg, func() error {
		var opErr error
		value, opErr = op()
		return opErr
	})
	return value, err
}

// backoff computes min(base * 2^attempt, max) scaled by a jitter factor in
// [0.5, 1.0).
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 0.5 + rand.Float64()*0.5 // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(d * jitter)
}
