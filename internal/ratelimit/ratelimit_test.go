package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestLimiter creates a Limiter wired to the given fake clock.
func newTestLimiter(rate int, window time.Duration, clock *fakeClock) *Limiter {
	l := New(rate, window)
	l.now = clock.Now
	return l
}

func TestAllowBasic(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(3, time.Minute, clock)

	for i := 0; i < 3; i++ {
		if !l.Allow("agent-1", 0) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	if l.Allow("agent-1", 0) {
		t.Fatal("4th request should be denied")
	}
}

func TestAllowDifferentKeys(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(1, time.Minute, clock)

	if !l.Allow("a", 0) {
		t.Fatal("first request for key 'a' should be allowed")
	}
	if l.Allow("a", 0) {
		t.Fatal("second request for key 'a' should be denied")
	}
	// Different key should have its own bucket.
	if !l.Allow("b", 0) {
		t.Fatal("first request for key 'b' should be allowed")
	}
}

func TestTokenRefill(t *testing.T) {
	clock := newFakeClock(time.Now())
	// 60 tokens per minute = 1 token per second.
	l := newTestLimiter(60, time.Minute, clock)

	// Exhaust all tokens.
	for i := 0; i < 60; i++ {
		l.Allow("k", 0)
	}
	if l.Allow("k", 0) {
		t.Fatal("should be denied after exhausting tokens")
	}

	// Advance 1 second -> 1 token refilled.
	clock.Advance(1 * time.Second)
	if !l.Allow("k", 0) {
		t.Fatal("should be allowed after 1 second refill")
	}
	if l.Allow("k", 0) {
		t.Fatal("should be denied again after consuming refilled token")
	}

	// Advance 5 seconds -> 5 tokens.
	clock.Advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		if !l.Allow("k", 0) {
			t.Fatalf("request %d should be allowed after 5s refill", i+1)
		}
	}
	if l.Allow("k", 0) {
		t.Fatal("should be denied after consuming 5 refilled tokens")
	}
}

func TestTokenRefillCap(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	l.Allow("k", 0)
	l.Allow("k", 0)

	// Tokens never accumulate past the rate.
	clock.Advance(10 * time.Minute)

	d := l.Take("k", 0)
	if d.Remaining != 4 {
		t.Fatalf("remaining after one take should be 4, got %d", d.Remaining)
	}
}

func TestCustomRateOverride(t *testing.T) {
	tests := []struct {
		name       string
		defaultR   int
		customR    int
		wantAllow  int // how many requests should be allowed
	}{
		{"custom higher than default", 2, 5, 5},
		{"custom lower than default", 10, 3, 3},
		{"zero custom uses default", 5, 0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(time.Now())
			l := newTestLimiter(tt.defaultR, time.Minute, clock)

			allowed := 0
			for i := 0; i < tt.wantAllow+2; i++ {
				if l.Allow("key", tt.customR) {
					allowed++
				}
			}
			if allowed != tt.wantAllow {
				t.Fatalf("expected %d allowed, got %d", tt.wantAllow, allowed)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(100, time.Minute, clock)

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Allow("concurrent", 0)
		}()
	}

	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}

	if count != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", count)
	}
}

func TestTakeDecision(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(10, time.Minute, clock)

	d := l.Take("s", 0)
	if !d.Allowed || d.Limit != 10 || d.Remaining != 9 {
		t.Fatalf("unexpected first decision %+v", d)
	}
	l.Take("s", 0)
	d = l.Take("s", 0)
	if d.Remaining != 7 {
		t.Fatalf("expected remaining 7, got %d", d.Remaining)
	}
	// 3 tokens short at 1 token per 6 seconds.
	if got := d.ResetAt.Sub(clock.Now()); got != 18*time.Second {
		t.Fatalf("expected reset in 18s, got %v", got)
	}
	if d.RetryAfter != 0 {
		t.Fatalf("allowed decision should have no RetryAfter, got %v", d.RetryAfter)
	}
}

func TestTakeRetryAfter(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(2, time.Minute, clock)

	l.Take("r", 0)
	l.Take("r", 0)
	d := l.Take("r", 0)
	if d.Allowed {
		t.Fatal("third request should be denied")
	}
	if d.RetryAfter != 30*time.Second {
		t.Fatalf("expected RetryAfter 30s, got %v", d.RetryAfter)
	}

	clock.Advance(30 * time.Second)
	if !l.Allow("r", 0) {
		t.Fatal("should be allowed once RetryAfter has passed")
	}
}

func TestTakeCustomRate(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(10, time.Minute, clock)

	d := l.Take("s", 20)
	if d.Limit != 20 || d.Remaining != 19 {
		t.Fatalf("expected limit 20 remaining 19, got %+v", d)
	}
}

func TestZeroRateDisablesLimiting(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 1000; i++ {
		if !l.Allow("free", 0) {
			t.Fatalf("request %d should be allowed when the rate is zero", i+1)
		}
	}
}

func TestTakeAll(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(100, time.Minute, clock)

	tenant := Scope{Key: "tenant:t1", Rate: 10}
	user := Scope{Key: "user:t1:u1", Rate: 2}

	for i := 0; i < 2; i++ {
		if d := l.TakeAll(tenant, user); !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d := l.TakeAll(tenant, user)
	if d.Allowed {
		t.Fatal("user scope should deny the third request")
	}
	if d.Limit != 2 || d.Remaining != 0 {
		t.Fatalf("headers should describe the tightest scope, got %+v", d)
	}

	// Another user of the same tenant is unaffected.
	if d := l.TakeAll(tenant, Scope{Key: "user:t1:u2", Rate: 2}); !d.Allowed {
		t.Fatal("second user should be allowed")
	}
}

func TestPrune(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	l.Allow("old", 0)
	clock.Advance(2 * time.Minute)
	l.Allow("new", 0)
	clock.Advance(90 * time.Second)

	if n := l.Prune(2 * time.Minute); n != 1 {
		t.Fatalf("expected 1 pruned bucket, got %d", n)
	}
	if _, ok := l.buckets["new"]; !ok {
		t.Fatal("recent bucket should survive")
	}
}
