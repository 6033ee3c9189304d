package cluster

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls how often failed operations are reattempted. The
// zero value never retries. Retry decisions are pure data: they depend
// only on the failure's Kind, the attempt count, and whether the failed
// attempt got any bytes onto the wire.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first. Zero
	// and one both mean a single attempt.
	MaxAttempts int
	// Backoff is the delay before the second attempt. Zero retries
	// immediately.
	Backoff time.Duration
	// MaxBackoff caps exponential growth of the delay. Zero keeps the
	// delay fixed at Backoff.
	MaxBackoff time.Duration
}

// ShouldRetry reports whether another attempt is allowed after err failed
// attempt number attempt. Only failures with a retryable Kind qualify.
// Non-idempotent operations additionally require that no command bytes
// were sent, so a retry cannot apply a side effect twice.
func (p RetryPolicy) ShouldRetry(err error, attempt int, idempotent bool) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if !e.Kind().Retryable() {
		return false
	}
	if !idempotent && !e.Unsent {
		return false
	}
	return true
}

// Delay returns the pause before the given attempt (2 = second try).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	if p.MaxBackoff > 0 {
		for i := 2; i < attempt; i++ {
			d *= 2
			if d >= p.MaxBackoff {
				return p.MaxBackoff
			}
		}
	}
	return d
}

// sleep waits out a retry delay unless the context expires first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
