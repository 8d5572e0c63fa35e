// Package retry runs a single remote call with bounded attempts, exponential
// backoff with a cap, and a per-attempt timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/kilupskalvis/nestsync/internal/remote"
)

// Config configures a Scheduler.
type Config struct {
	MaxAttempts    int           // total calls, including the first
	BaseDelay      time.Duration // delay after the first failure
	Multiplier     float64
	MaxDelay       time.Duration
	Timeout        time.Duration // bound on each individual attempt
	JitterFraction float64       // 0.0 to 1.0, applied to in-call sleeps only

	// Classify reports whether an error is worth retrying.
	// Defaults to remote.IsRetryable.
	Classify func(error) bool
}

// DefaultConfig returns the defaults for data operations.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    8 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// AuthConfig returns the defaults for slow auth-style operations.
func AuthConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxDelay = 30 * time.Second
	cfg.Timeout = 120 * time.Second
	return cfg
}

// Scheduler executes operations with retry. It holds no per-call state and is
// safe for concurrent use.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Scheduler. Zero fields in cfg take their defaults.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Classify == nil {
		cfg.Classify = remote.IsRetryable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Backoff returns min(BaseDelay * Multiplier^n, MaxDelay) without jitter.
// The sync engine uses the same formula for cross-session backoff.
func (s *Scheduler) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	base := float64(s.cfg.BaseDelay) * math.Pow(s.cfg.Multiplier, float64(n))
	if base > float64(s.cfg.MaxDelay) || math.IsInf(base, 0) {
		return s.cfg.MaxDelay
	}
	return time.Duration(base)
}

// jittered applies +/- JitterFraction to d.
func (s *Scheduler) jittered(d time.Duration) time.Duration {
	if s.cfg.JitterFraction <= 0 {
		return d
	}
	jitter := float64(d) * s.cfg.JitterFraction * (rand.Float64()*2 - 1)
	out := time.Duration(float64(d) + jitter)
	if out < 0 {
		out = 0
	}
	return out
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts calls have failed. The last error is returned.
func (s *Scheduler) Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, s, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Execute for calls that return a value.
func Do[T any](ctx context.Context, s *Scheduler, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		var v T
		v, lastErr = runAttempt(ctx, s.cfg.Timeout, fn)
		if lastErr == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", label, lastErr)
		}
		if !s.cfg.Classify(lastErr) {
			return zero, lastErr
		}
		if attempt < s.cfg.MaxAttempts-1 {
			d := s.jittered(s.Backoff(attempt))
			s.logger.Debug("retrying", "label", label, "attempt", attempt+1, "delay", d, "error", lastErr)
			if err := sleep(ctx, d); err != nil {
				return zero, fmt.Errorf("%s: %w (retry cancelled)", label, lastErr)
			}
		}
	}
	return zero, fmt.Errorf("%s: %w (after %d attempts)", label, lastErr, s.cfg.MaxAttempts)
}

type outcome[T any] struct {
	v   T
	err error
}

// runAttempt runs fn once under the per-attempt timeout. A call that overruns
// the timeout reports ErrTimeout even if fn ignores its context.
func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(actx)
		done <- outcome[T]{v: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(o.err, ErrTimeout) {
			return zero, fmt.Errorf("%w: %w", ErrTimeout, o.err)
		}
		return o.v, o.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

// ErrTimeout is returned when a single attempt exceeds the configured timeout.
// It wraps context.DeadlineExceeded so it classifies as retryable.
var ErrTimeout = fmt.Errorf("attempt timed out: %w", context.DeadlineExceeded)

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
