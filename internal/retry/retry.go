// Package retry provides bounded exponential backoff with jitter.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before a retry attempt. The delay doubles (by
// Multiplier) from Base and is capped at Max. Jitter is the fraction of the
// delay that is randomized, in [0, 1].
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay returns the wait before the given attempt, counted from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.raw(attempt)
	if b.Jitter > 0 && d > 0 {
		j := b.Jitter
		if j > 1 {
			j = 1
		}
		// Spread over [d*(1-j), d].
		d = time.Duration(float64(d) * (1 - j*rand.Float64()))
	}
	return d
}

// Ceiling returns the un-jittered delay for attempt. It is what degraded
// detection compares against, so that jitter cannot flap the signal.
func (b Backoff) Ceiling(attempt int) time.Duration {
	return b.raw(attempt)
}

func (b Backoff) raw(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Policy bounds the number of attempts of an operation.
type Policy struct {
	Attempts int
	Backoff  Backoff
}

// Do runs fn until it succeeds, returns an error that retryable rejects, or
// the attempts are exhausted. A nil retryable retries every error. The last
// error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if werr := Sleep(ctx, p.Backoff.Delay(attempt)); werr != nil {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
