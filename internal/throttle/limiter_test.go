package throttle

import (
	"testing"
	"time"
)

func TestLimiterRefillsWithInjectedClock(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter, err := New(Config{
		RequestsPerSecond: 1,
		Burst:             2,
		Clock:             func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !limiter.Allow("user-1") || !limiter.Allow("user-1") {
		t.Fatalf("expected burst to be allowed")
	}
	if limiter.Allow("user-1") {
		t.Fatalf("expected third call to be throttled")
	}
	if !limiter.Allow("user-2") {
		t.Fatalf("expected other users to have their own bucket")
	}

	now = now.Add(time.Second)
	if !limiter.Allow("user-1") {
		t.Fatalf("expected a token after one second")
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var limiter *Limiter
	if !limiter.Allow("anyone") {
		t.Fatalf("nil limiter should not throttle")
	}
}
