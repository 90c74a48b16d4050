package routezero

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"
)

// retryPolicy bounds the in-pass retries applied to transient provider errors.
type retryPolicy struct {
	attempts int           // total attempts, including the first
	minWait  time.Duration // backoff floor
	maxWait  time.Duration // backoff ceiling
}

var defaultRetryPolicy = retryPolicy{
	attempts: 4,
	minWait:  500 * time.Millisecond,
	maxWait:  15 * time.Second,
}

// wait returns the jittered exponential backoff before retry number n (1-based).
func (p retryPolicy) wait(n int) time.Duration {
	d := p.minWait << uint(n-1)
	if d > p.maxWait || d <= 0 {
		d = p.maxWait
	}
	// spread retries out so synchronized passes don't hammer a recovering provider together
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// withRetry runs fn, retrying transient errors with backoff until the policy
// or ctx is exhausted. Fatal errors return immediately.
func withRetry(ctx context.Context, p retryPolicy, logger *log.Logger, op string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		// a partially applied batch is resolved by the next pass's fresh
		// diff, never by re-running the same batch against moved state
		var partial *PartialBatchError
		if errors.As(err, &partial) {
			return err
		}
		if attempt >= p.attempts {
			return err
		}
		wait := p.wait(attempt)
		logger.Printf("%s failed (attempt %d of %d), retrying in %s: %s", op, attempt, p.attempts, wait.Round(time.Millisecond), err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
