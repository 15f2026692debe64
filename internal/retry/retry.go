package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds how often an operation is attempted.
type Policy struct {
	Attempts int
	Backoff  BackoffConfig
	// ShouldRetry decides whether a failed attempt may be repeated. A nil
	// ShouldRetry retries every error.
	ShouldRetry func(err error) bool
	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Rand drives backoff jitter. When nil and jitter is on, Do seeds its
	// own source.
	Rand *rand.Rand
}

// Do runs fn until it succeeds, the policy gives up, or ctx is done. The
// last error from fn is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	rng := p.Rand
	if rng == nil && p.Backoff.Jitter {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return err
		}

		delay := NextBackoffDelay(p.Backoff, attempt, rng)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := Sleep(ctx, delay); serr != nil {
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
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
