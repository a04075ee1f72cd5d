package lsp

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/junyeong-ai/symora-sub000/internal/config"
)

// RetryConfig parameterizes exponential backoff for transient failures.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig suits servers that fail fast and recover fast.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// AggressiveRetryConfig suits heavyweight servers whose startup crashes
// are routine and worth riding out.
func AggressiveRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryConfigFor returns the retry profile for lang.
func RetryConfigFor(lang config.Language) RetryConfig {
	if config.ProfileFor(lang).AggressiveRetry {
		return AggressiveRetryConfig()
	}
	return DefaultRetryConfig()
}

// Delay returns the deterministic pre-attempt delay: the first attempt is
// immediate, later attempts wait InitialDelay doubled per step and capped
// at MaxDelay.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return min(d, c.MaxDelay)
}

// retryBackOff adapts RetryConfig's deterministic schedule to the backoff
// interface. No jitter: tests and operators can predict the sequence.
type retryBackOff struct {
	cfg     RetryConfig
	attempt int
}

func (b *retryBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.cfg.Delay(b.attempt)
}

func (b *retryBackOff) Reset() { b.attempt = 0 }

// Retry runs op until it succeeds, fails non-recoverably, or exhausts
// cfg.MaxAttempts. Non-recoverable errors short-circuit immediately.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	operation := func() (T, error) {
		v, err := op()
		if err != nil && !IsRecoverable(err) {
			var zero T
			return zero, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(&retryBackOff{cfg: cfg}),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)))
}
