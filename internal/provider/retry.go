package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
)

// Policy bounds one external call: per-attempt timeout, retry count and
// exponential backoff between attempts. Policies are values; every call gets
// its own attempt counter, nothing is shared between runs.
type Policy struct {
	Timeout        time.Duration // per attempt; 0 disables
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// policy's retries are exhausted. Sleeps honour ctx cancellation.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := p.run(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt == p.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.MaxRetries+1, lastErr)
}

// Delay returns the backoff before retry number attempt+1: initial * 2^attempt,
// capped at MaxBackoff.
func (p Policy) Delay(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxDelay := p.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}
	d := time.Duration(float64(initial) * math.Pow(2, float64(attempt)))
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

func (p Policy) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
		return &TransientError{Op: "call", Err: fmt.Errorf("timed out after %s: %w", p.Timeout, err)}
	}
	return err
}
