package security

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Name: "token", RequestsPerSecond: 1, Burst: 3}, nil)
	defer rl.Stop()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	for i := range 3 {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst should be rejected")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other identifiers have their own bucket")
	}

	fixed = fixed.Add(time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("bucket should refill one token per second")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxEntries: 3}, nil)
	defer rl.Stop()

	for i := range 5 {
		rl.Allow(fmt.Sprintf("ip-%d", i))
	}
	if got := rl.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	if rl.evictions != 2 {
		t.Errorf("evictions = %d, want 2", rl.evictions)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTimeout: time.Minute}, nil)
	defer rl.Stop()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.Allow("old")
	now = now.Add(50 * time.Second)
	rl.Allow("recent")

	now = now.Add(20 * time.Second)
	rl.Cleanup()

	if got := rl.Len(); got != 1 {
		t.Errorf("Len() = %d after cleanup, want 1", got)
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}, nil)
	defer rl.Stop()
	rl.Stop()

	if rl.Name() != "default" {
		t.Errorf("Name() = %q, want default", rl.Name())
	}
	if rl.cfg.MaxEntries != DefaultMaxLimiterEntries {
		t.Errorf("MaxEntries = %d, want %d", rl.cfg.MaxEntries, DefaultMaxLimiterEntries)
	}
}

func TestWindowLimiter(t *testing.T) {
	wl := NewWindowLimiter(2, time.Hour, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wl.now = func() time.Time { return now }

	if !wl.Allow("admin") || !wl.Allow("admin") {
		t.Fatal("first two events should be allowed")
	}
	if wl.Allow("admin") {
		t.Error("third event within the window should be rejected")
	}
	if got := wl.Remaining("admin"); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}
	if !wl.Allow("other-admin") {
		t.Error("keys are limited independently")
	}

	now = now.Add(time.Hour + time.Second)
	if got := wl.Remaining("admin"); got != 2 {
		t.Errorf("Remaining() = %d after window, want 2", got)
	}
	if !wl.Allow("admin") {
		t.Error("events older than the window no longer count")
	}
}
