// Package poll implements bounded, cancellable polling loops driven by an explicit policy.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPolicy = errors.New("poll: invalid policy")
	ErrTimeout       = errors.New("poll: timeout")
)

// Policy describes how often to poll and for how long.
//
// Backoff multiplies the interval after every unsuccessful attempt; values <= 1 keep the interval
// fixed. MaxInterval caps the grown interval when non-zero.
type Policy struct {
	Interval    time.Duration
	Timeout     time.Duration
	Backoff     float64
	MaxInterval time.Duration
}

// Fixed returns a policy with a constant interval.
func Fixed(interval, timeout time.Duration) Policy {
	return Policy{Interval: interval, Timeout: timeout}
}

// Defaults observed against mainnet block times and the attestation service.
var (
	DefaultConfirmation = Fixed(4*time.Second, 10*time.Minute)
	DefaultAttestation  = Fixed(2*time.Second, 30*time.Minute)
)

func (p Policy) Validate() error {
	if p.Interval < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidPolicy)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0", ErrInvalidPolicy)
	}
	if p.MaxInterval < 0 {
		return fmt.Errorf("%w: negative max interval", ErrInvalidPolicy)
	}
	return nil
}

func (p Policy) next(cur time.Duration) time.Duration {
	if p.Backoff <= 1 {
		return cur
	}
	n := time.Duration(float64(cur) * p.Backoff)
	if p.MaxInterval > 0 && n > p.MaxInterval {
		n = p.MaxInterval
	}
	return n
}

// Clock abstracts time so tests can drive polling loops deterministically.
type Clock struct {
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock {
	return Clock{Now: time.Now, Sleep: SleepCtx}
}

func (c Clock) withDefaults() Clock {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = SleepCtx
	}
	return c
}

// Attempt is invoked once per poll. It returns done=true to stop successfully, or a non-nil error
// to stop with that error. Transient failures should be absorbed by the attempt (return false, nil).
type Attempt func(ctx context.Context) (done bool, err error)

// Until runs attempt under the policy until it reports done, fails, the timeout elapses, or ctx is
// cancelled. The deadline is measured from the first attempt and bounds every attempt as well as the
// sleeps between them: each attempt runs under a context that expires at the deadline, and the final
// sleep is shortened so the loop gives up exactly there. On timeout the returned error wraps
// ErrTimeout.
func Until(ctx context.Context, clock Clock, p Policy, attempt Attempt) error {
	if attempt == nil {
		return fmt.Errorf("%w: nil attempt", ErrInvalidPolicy)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	clock = clock.withDefaults()

	deadline := clock.Now().Add(p.Timeout)
	interval := p.Interval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w after %s", ErrTimeout, p.Timeout)
		}
		done, err := runBounded(ctx, remaining, attempt)
		if errors.Is(err, errAttemptDeadline) {
			return fmt.Errorf("%w after %s", ErrTimeout, p.Timeout)
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		remaining = deadline.Sub(clock.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w after %s", ErrTimeout, p.Timeout)
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			return err
		}
		interval = p.next(interval)
	}
}

var errAttemptDeadline = errors.New("poll: attempt overran deadline")

// runBounded runs attempt under a context that expires after budget. Expiry of that context while
// the parent is still live is reported as errAttemptDeadline whatever the attempt returned.
func runBounded(ctx context.Context, budget time.Duration, attempt Attempt) (bool, error) {
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	done, err := attempt(actx)
	if done && err == nil {
		return true, nil
	}
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return false, errAttemptDeadline
	}
	return done, err
}

// SleepCtx sleeps for d or until ctx is done.
func SleepCtx(ctx context.Context, d time.Duration) error {
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
