// Package retry provides explicit retry policies: a bounded number of attempts
// and an exponential backoff schedule that callers can inspect before use.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy describes how an operation is retried. The zero value performs a
// single attempt.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	Initial     time.Duration // delay before the second attempt
	Max         time.Duration // cap on any single delay
	Multiplier  float64       // growth factor, defaults to 2
}

// Default is used for task retries when configuration supplies nothing.
var Default = Policy{MaxAttempts: 5, Initial: 2 * time.Second, Max: 5 * time.Minute, Multiplier: 2}

// Attempts returns the effective attempt bound, at least 1.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempt remains after attempt failures.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.Attempts()
}

// Schedule lists every delay the policy would wait, in order.
func (p Policy) Schedule() []time.Duration {
	n := p.Attempts() - 1
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = p.Backoff(i + 1)
	}
	return out
}

func (p Policy) String() string {
	return fmt.Sprintf("retry{attempts=%d schedule=%v}", p.Attempts(), p.Schedule())
}

// Sleeper waits for d or until ctx ends. Tests replace it to avoid real delays.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
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

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. onRetry, when non-nil, observes each scheduled retry.
// The last error is returned.
func Do(ctx context.Context, p Policy, sleep Sleeper, retryable func(error) bool,
	onRetry func(attempt int, delay time.Duration, err error), fn func(ctx context.Context) error) error {
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) || p.Exhausted(attempt) {
			return err
		}

		delay := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%w (retry interrupted: %v)", err, serr)
		}
	}
}
