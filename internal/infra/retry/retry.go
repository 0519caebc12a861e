// Package retry is the shared backoff engine used for engine polling and
// listener readiness checks.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy defines the backoff algorithm.
type Strategy int

const (
	// Exponential doubles the delay each attempt: initDelay * 2^attempt.
	Exponential Strategy = iota
	// Constant uses the same delay between every attempt.
	Constant
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int           // Total attempts (including the first). 0 means no-op.
	InitDelay   time.Duration // Base delay before first retry.
	MaxDelay    time.Duration // Upper bound on any single delay.
	Strategy    Strategy
	Jitter      bool // ±25% random jitter on each delay.
}

// PollConfig is the engine status polling budget: every 30s, at most 200 times.
func PollConfig() Config {
	return Config{
		MaxAttempts: 200,
		InitDelay:   30 * time.Second,
		MaxDelay:    30 * time.Second,
		Strategy:    Constant,
	}
}

// BackoffConfig paces polls after a failed status call: 5s doubling up to
// the regular 30s interval, jittered so engines recovering together are not
// hit by every unit at once.
func BackoffConfig() Config {
	return Config{
		InitDelay: 5 * time.Second,
		MaxDelay:  30 * time.Second,
		Strategy:  Exponential,
		Jitter:    true,
	}
}

// ReadyConfig waits up to 100s for a listener, dialing once per second.
func ReadyConfig() Config {
	return Config{
		MaxAttempts: 100,
		InitDelay:   time.Second,
		MaxDelay:    time.Second,
		Strategy:    Constant,
	}
}

// Exhausted reports whether attempt (0-indexed, already performed) was the last one.
func (c Config) Exhausted(attempt int) bool {
	return attempt+1 >= c.MaxAttempts
}

// StopError wraps an error to signal that retrying should stop immediately.
type StopError struct {
	Err error
}

func (e *StopError) Error() string { return e.Err.Error() }
func (e *StopError) Unwrap() error { return e.Err }

// Stop wraps err so that Do returns it without further retries.
func Stop(err error) error {
	return &StopError{Err: err}
}

type sleeper interface {
	sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes fn up to cfg.MaxAttempts times, sleeping between failures.
// It returns nil on the first success, the last error when every attempt
// failed, or ctx.Err() if the context ends first. A StopError ends the loop
// and its wrapped error is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	return doWithSleeper(ctx, cfg, fn, realSleeper{})
}

func doWithSleeper(ctx context.Context, cfg Config, fn func() error, s sleeper) error {
	if cfg.MaxAttempts <= 0 {
		return nil
	}

	var lastErr error
	for attempt := range cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var stop *StopError
		if errors.As(lastErr, &stop) {
			return stop.Err
		}

		if attempt < cfg.MaxAttempts-1 {
			if err := s.sleep(ctx, CalcDelay(cfg, attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// CalcDelay computes the sleep duration for a given attempt (0-indexed).
func CalcDelay(cfg Config, attempt int) time.Duration {
	var delay time.Duration
	switch cfg.Strategy {
	case Exponential:
		delay = cfg.InitDelay * time.Duration(math.Pow(2, float64(attempt)))
	case Constant:
		delay = cfg.InitDelay
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		quarter := int64(delay) / 4
		if quarter > 0 {
			j := time.Duration(rand.Int64N(quarter))
			if rand.IntN(2) == 0 {
				delay += j
			} else {
				delay -= j
			}
		}
	}
	return delay
}
