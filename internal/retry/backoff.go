// Package retry provides exponential backoff with jitter for the
// key-sharing coordinator's one-time-key claims and to-device sends,
// adapted from the connection reconnector's backoff calculation.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"time"
)

// Policy configures an exponential backoff schedule.
type Policy struct {
	BaseDelay   time.Duration // delay before the first retry; default 500ms
	MaxDelay    time.Duration // ceiling on any single delay; default 30s
	MaxAttempts int           // total attempts including the first; 0 means the default 5, negative means unlimited
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay == 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	return p
}

// delay returns the backoff duration before the given retry (0-indexed:
// delay(0) is the wait before the second attempt), with jitter in the
// range 75%-125% of the calculated exponential value.
func (p Policy) delay(attempt int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	jitter := 0.75 + 0.5*rand.Float64()
	return time.Duration(backoff * jitter)
}

// ErrExhausted is returned when every attempt in a policy's budget
// failed; the last error is wrapped in it via errors.Unwrap.
type ErrExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrExhausted) Error() string {
	return "retry: exhausted " + strconv.Itoa(e.Attempts) + " attempts: " + e.Last.Error()
}

func (e *ErrExhausted) Unwrap() error { return e.Last }

// Do calls fn until it succeeds, the policy's attempt budget is spent,
// or ctx is cancelled. A fn error wrapped with Permanent is returned at
// once and not retried.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 0; policy.MaxAttempts <= 0 || attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.delay(attempt - 1)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, errPermanent) {
			return err
		}
		lastErr = err
	}
	return &ErrExhausted{Attempts: policy.MaxAttempts, Last: lastErr}
}

var errPermanent = errors.New("retry: permanent failure")

// Permanent wraps an error so Do stops retrying immediately instead of
// spending the rest of its attempt budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }
func (p *permanentError) Is(target error) bool { return target == errPermanent }
