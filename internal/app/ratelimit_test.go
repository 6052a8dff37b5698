package app

import (
	"testing"
	"time"
)

func TestUserLimiterIsPerUser(t *testing.T) {
	l := newUserLimiter(1, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("u1") || !l.Allow("u1") {
		t.Fatal("expected burst of two to pass")
	}
	if l.Allow("u1") {
		t.Fatal("expected third request to be limited")
	}
	if !l.Allow("u2") {
		t.Fatal("other users must have their own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("u1") {
		t.Fatal("expected a token after one second")
	}
}

func TestUserLimiterDropsIdleBuckets(t *testing.T) {
	l := newUserLimiter(1, 1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("u1")
	now = now.Add(limiterIdleTTL + 2*time.Minute)
	l.Allow("u2")

	if _, ok := l.buckets["u1"]; ok {
		t.Fatal("expected idle bucket to be swept")
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := newUserLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("u1") {
			t.Fatal("disabled limiter must allow")
		}
	}
}
