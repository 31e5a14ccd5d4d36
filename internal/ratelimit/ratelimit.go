// Package ratelimit provides in-memory token buckets keyed by tenant and by
// end user.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
	rate       int
}

// Decision is the outcome of a Take, with the numbers needed for response
// headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is how long until one token is available. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter is a token-bucket rate limiter. Each key holds up to rate tokens,
// refilled continuously over window.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	now         func() time.Time
}

// New creates a Limiter that allows defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

func (l *Limiter) effectiveRate(customRate int) int {
	if customRate > 0 {
		return customRate
	}
	return l.defaultRate
}

// bucketFor must be called with l.mu held. A tenant whose rate changed keeps
// its current tokens, capped at the new rate.
func (l *Limiter) bucketFor(key string, rate int, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate), lastRefill: now}
		l.buckets[key] = b
	}
	b.rate = rate
	b.lastSeen = now

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * float64(rate) / l.window.Seconds()
		b.lastRefill = now
	}
	if b.tokens > float64(rate) {
		b.tokens = float64(rate)
	}
	return b
}

// untilTokens is how long a bucket at rate needs to gain n tokens.
func (l *Limiter) untilTokens(n float64, rate int) time.Duration {
	return time.Duration(n * l.window.Seconds() / float64(rate) * float64(time.Second))
}

// Take consumes a token for key when one is available. A positive customRate
// overrides the default. A non-positive effective rate disables limiting.
func (l *Limiter) Take(key string, customRate int) Decision {
	rate := l.effectiveRate(customRate)
	if rate <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketFor(key, rate, now)
	d := Decision{Limit: rate}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = l.untilTokens(1-b.tokens, rate)
	}
	d.Remaining = int(b.tokens)
	d.ResetAt = now.Add(l.untilTokens(float64(rate)-b.tokens, rate))
	return d
}

// Allow is Take reduced to its verdict.
func (l *Limiter) Allow(key string, customRate int) bool {
	return l.Take(key, customRate).Allowed
}

// Prune drops buckets untouched for longer than idle and returns how many
// were removed. A dropped bucket comes back full, so idle must be at least
// one window.
func (l *Limiter) Prune(idle time.Duration) int {
	if idle < l.window {
		idle = l.window
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// RunJanitor prunes idle buckets every interval until ctx is done.
func (l *Limiter) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(2 * l.window)
		}
	}
}

// Scope is one bucket of a multi-bucket check.
type Scope struct {
	Key  string
	Rate int
}

// TakeAll consumes a token from every scope and is allowed only if all of
// them allow. The returned numbers describe the tightest scope.
func (l *Limiter) TakeAll(scopes ...Scope) Decision {
	out := Decision{Allowed: true}
	for _, s := range scopes {
		d := l.Take(s.Key, s.Rate)
		if d.Limit == 0 {
			continue
		}
		if !d.Allowed {
			out.Allowed = false
			if d.RetryAfter > out.RetryAfter {
				out.RetryAfter = d.RetryAfter
			}
		}
		if out.Limit == 0 || d.Remaining < out.Remaining {
			out.Limit, out.Remaining, out.ResetAt = d.Limit, d.Remaining, d.ResetAt
		}
	}
	return out
}
