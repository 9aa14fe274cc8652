package httpapi

import (
	"testing"
	"time"
)

func TestRateLimiterSweepsStaleVisitors(t *testing.T) {
	rl := newRateLimiter(1, 1)
	if !rl.allow("192.0.2.1") {
		t.Fatal("first request should be allowed")
	}

	// Age the visitor past the TTL and the limiter past its sweep interval;
	// the next allow call runs the sweep inline.
	rl.mu.Lock()
	rl.visitors["192.0.2.1"].lastSeen = time.Now().Add(-visitorTTL - time.Minute)
	rl.lastSweep = time.Now().Add(-sweepInterval - time.Second)
	rl.mu.Unlock()

	if !rl.allow("192.0.2.2") {
		t.Fatal("fresh address should be allowed")
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["192.0.2.1"]; ok {
		t.Fatal("stale visitor should have been evicted")
	}
	if _, ok := rl.visitors["192.0.2.2"]; !ok {
		t.Fatal("active visitor should survive the sweep")
	}
}

func TestRateLimiterSweepKeepsRecentVisitors(t *testing.T) {
	rl := newRateLimiter(1, 5)
	rl.allow("192.0.2.1")

	rl.mu.Lock()
	rl.lastSweep = time.Now().Add(-sweepInterval - time.Second)
	rl.mu.Unlock()

	rl.allow("192.0.2.2")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.visitors) != 2 {
		t.Fatalf("visitors = %d, want 2", len(rl.visitors))
	}
}
