package cron

import (
	"context"
	"math"
	"time"
)

// RetryPolicy controls how often recording a refresh request is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts; values below 1 mean one.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy retries a busy database a few times within seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// NextDelay returns the wait before attempt number attempt+1.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialDelay
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// do runs fn until it succeeds, attempts run out or ctx ends. It returns the
// number of attempts made and the last error.
func (p RetryPolicy) do(ctx context.Context, fn func() error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return i + 1, nil
		}
		if i == attempts-1 {
			return i + 1, err
		}
		timer := time.NewTimer(p.NextDelay(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return i + 1, err
		case <-timer.C:
		}
	}
	return attempts, err
}
