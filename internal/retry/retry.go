// Package retry expresses retry behaviour as data: an attempt budget plus a
// delay policy. Callers supply the classifier deciding which errors are
// transient, and tests inject the sleeper so no real time passes.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Policy bounds attempts and describes the delay between them.
// MaxAttempts counts every attempt, the first one included.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Backoff      Backoff
	Factor       float64
	Jitter       bool
}

// DefaultPolicy mirrors the backend client defaults: 3 attempts, 2s apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Backoff:      BackoffFixed,
		Factor:       2,
	}
}

// Attempts is the effective attempt budget, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// maxBackoff caps the delay of a policy without MaxDelay.
const maxBackoff = time.Hour

// Delay returns the wait after the given number of failed attempts (1-based).
func (p Policy) Delay(failed int) time.Duration {
	if failed < 1 || p.InitialDelay <= 0 {
		return 0
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = maxBackoff
	}
	d := p.InitialDelay
	if p.Backoff == BackoffExponential {
		factor := p.Factor
		if factor <= 1 {
			factor = 2
		}
		// Clamp in float64; converting an out-of-range value to Duration wraps.
		f := float64(p.InitialDelay) * math.Pow(factor, float64(failed-1))
		if f >= float64(ceiling) {
			d = ceiling
		} else {
			d = time.Duration(f)
		}
	}
	if d > ceiling {
		d = ceiling
	}
	if p.Jitter {
		d += time.Duration(rand.Int64N(int64(d/2) + 1))
	}
	return d
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Runner executes an operation under a Policy.
type Runner struct {
	Policy    Policy
	Retryable func(error) bool
	Sleep     Sleeper
	// OnRetry is called before each wait; attempt is the attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It returns the number of attempts made and the
// last error. A cancelled context stops further attempts.
func (r Runner) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	budget := r.Policy.Attempts()
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt >= budget || r.Retryable == nil || !r.Retryable(err) {
			return attempt, err
		}
		delay := r.Policy.Delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return attempt, err
		}
	}
}
