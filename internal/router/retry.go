package router

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how tool calls are retried after transport failures.
// Backoff is exponential with full jitter and capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter returns a value in [0,1). Defaults to math/rand.
	Jitter func() float64
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the delay before the given retry (1 = first retry).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if p.BaseDelay <= 0 || retry < 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < retry && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	return time.Duration(jitter() * float64(d))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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

// retryable reports whether a failure of the given kind may be retried for
// method. Failures where the request never left (dial, DNS) are always
// retryable; timeouts and mid-flight network errors only for idempotent
// methods. HTTP statuses are never retried.
func retryable(kind, method string) bool {
	switch kind {
	case KindConnectionRefused, KindDNS:
		return true
	case KindTimeout, KindNetwork:
		return method == "GET" || method == "PUT" || method == "DELETE"
	}
	return false
}
