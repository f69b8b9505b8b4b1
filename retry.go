package vigil

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy is the single backoff policy shared by watchers (auth backoff)
// and the executor (handler retries).
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first; <= 1 means no retry.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay is the delay before the second attempt; it doubles each time.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the exponential delay.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Jitter is the fraction (0..1) of the delay randomized away.
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryPolicy is used when a component is given the zero policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    time.Minute,
	Jitter:      0.2,
}

// OrDefault returns p, or DefaultRetryPolicy when p is the zero value.
func (p RetryPolicy) OrDefault() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy
	}
	return p
}

// Delay returns the wait before attempt n (n >= 1 is the first retry).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
		if d <= 0 { // overflow
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		d -= time.Duration(rand.Float64() * j * float64(d))
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. The attempt number (1-based) is passed to fn.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if IsPermanent(err) || attempt == attempts {
			return err
		}
		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
