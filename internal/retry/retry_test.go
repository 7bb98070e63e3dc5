package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("service unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	authErr := errors.New("invalid api key")
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return authErr
	})
	if !errors.Is(err, authErr) {
		t.Fatalf("error = %v, want original auth error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries on auth)", calls)
	}
}

func TestDoExhaustionReturnsOriginal(t *testing.T) {
	calls := 0
	cause := errors.New("rate limit exceeded")
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("error = %v, want original cause", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(3), func() error {
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	v, err := DoWithValue(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("socket hang up")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Errorf("value = %q, want %q", v, "ok")
	}
}

func TestBackoffCapped(t *testing.T) {
	base := 2 * time.Second
	max := 16 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		d := backoff(attempt, base, max)
		if d > max {
			t.Errorf("attempt %d: backoff %v exceeds max %v", attempt, d, max)
		}
		if attempt > 0 && d < time.Duration(float64(base)*0.5) {
			t.Errorf("attempt %d: backoff %v below jitter floor", attempt, d)
		}
	}
}
