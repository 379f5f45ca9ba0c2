package collect

import (
	"context"
	"time"
)

// RetryPolicy bounds a retried operation: at most MaxAttempts tries
// with a fixed Delay between them. It parameterizes every
// attach-dependent diagnostic instead of each action hand-rolling a
// sleep loop.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultAttachRetry is the policy for attach races: three attempts
// with a short fixed pause.
var DefaultAttachRetry = RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second}

// Do runs fn until it succeeds, attempts run out, or the context is
// done. It returns the attempt count alongside the final error.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) (attempts int, err error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	for attempts = 1; attempts <= max; attempts++ {
		err = fn()
		if err == nil {
			return attempts, nil
		}
		if attempts == max {
			break
		}
		select {
		case <-ctx.Done():
			return attempts, err
		case <-time.After(p.Delay):
		}
	}
	return max, err
}
