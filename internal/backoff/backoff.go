// Package backoff computes bounded exponential delays with optional jitter.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy doubles Base on every attempt up to Max.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay returns the wait before the given attempt, counting from zero.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	limit := p.Max
	if limit < p.Base {
		limit = p.Base
	}
	d := p.Base
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	d = min(d, limit)

	// Half jitter: the delay is drawn from [d/2, d].
	if p.Jitter {
		return d - rand.N(d/2+1)
	}
	return d
}

// Sleep waits for the attempt's delay or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, retryable reports false, attempts are
// exhausted or ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, attempts int, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt+1 >= attempts || !retryable(err) {
			return err
		}
		if sleepErr := p.Sleep(ctx, attempt); sleepErr != nil {
			return err
		}
	}
}
