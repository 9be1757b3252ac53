package kernel

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig bounds retries of backing-store and checkpoint I/O.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the delay before the second attempt.
	BackoffBase Duration `yaml:"backoff_base"`

	// BackoffMax caps the delay between attempts.
	BackoffMax Duration `yaml:"backoff_max"`

	// Multiplier grows the delay each attempt (default 2).
	Multiplier float64 `yaml:"multiplier"`

	// Jitter randomizes each delay by the given fraction (0 to 1).
	Jitter float64 `yaml:"jitter"`
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = Duration(100 * time.Millisecond)
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = Duration(5 * time.Second)
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	return c
}

// backoffDelay returns the delay before the given retry attempt
// (attempt 1 is the first retry).
func (c RetryConfig) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(c.BackoffBase) * math.Pow(c.Multiplier, float64(attempt-1)))
	if max := time.Duration(c.BackoffMax); delay > max {
		delay = max
	}
	if c.Jitter > 0 {
		jitter := float64(delay) * c.Jitter * (rand.Float64()*2 - 1)
		delay = time.Duration(float64(delay) + jitter)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// retryStore runs op with bounded exponential backoff. Not-found and
// corrupt results are returned immediately: retrying cannot make a
// missing page appear or a bad checksum match.
func retryStore(ctx context.Context, cfg RetryConfig, op func() error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPageNotFound) ||
			errors.Is(lastErr, ErrCheckpointNotFound) ||
			errors.Is(lastErr, ErrCheckpointCorrupt) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(cfg.backoffDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
