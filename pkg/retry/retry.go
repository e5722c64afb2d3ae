// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

type Operation func(ctx context.Context) error

type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// RetryIf, when set, decides whether an error is worth another
	// attempt. A false return stops immediately.
	RetryIf func(err error) bool

	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, err error, nextDelay time.Duration)
}

type Option func(*Config)

func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.MaxAttempts = n }
}

func WithDelays(initial, max time.Duration) Option {
	return func(c *Config) { c.InitialDelay, c.MaxDelay = initial, max }
}

func WithRetryIf(pred func(err error) bool) Option {
	return func(c *Config) { c.RetryIf = pred }
}

func WithOnRetry(cb func(attempt int, err error, nextDelay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = cb }
}

// Do runs op until it succeeds, the attempt budget is exhausted, RetryIf
// rejects the error, or ctx is canceled.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled before attempt %d: %w", attempt, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoff(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("canceled during backoff: %w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func backoff(attempt int, cfg *Config) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	return time.Duration(math.Min(d, float64(cfg.MaxDelay)))
}
