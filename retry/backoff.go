package retry

import (
	"context"
	"math/rand"
	"time"
)

// JitterStrategy defines how retry delays are jittered.
type JitterStrategy string

const (
	JitterNone JitterStrategy = "NONE"
	JitterFull JitterStrategy = "FULL"
)

// Policy configures the backoff helper.
type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BackoffRate float64
	Jitter      JitterStrategy
}

// DefaultPolicy matches the scheduler's job retry settings: three
// retries with doubling delays from a one second base.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		BackoffRate: 2.0,
		Jitter:      JitterNone,
	}
}

// Delay returns the backoff before retry number attempt (1-based).
func (p *Policy) Delay(attempt int) time.Duration {
	rate := p.BackoffRate
	if rate <= 0 {
		rate = 2.0
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= rate
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter == JitterFull {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}

// Do runs fn, retrying recoverable failures per the policy. It returns
// the last error once retries are exhausted, the error immediately when
// it is not recoverable, or nil on the first success. The context
// cancels waits between attempts.
func Do(ctx context.Context, policy *Policy, fn func(ctx context.Context) error) error {
	if policy == nil {
		policy = DefaultPolicy()
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRecoverable(lastErr) {
			return lastErr
		}
		if attempt >= policy.MaxRetries {
			return lastErr
		}
		timer := time.NewTimer(policy.Delay(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
