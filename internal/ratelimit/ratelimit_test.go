package ratelimit_test

import (
	"testing"
	"time"

	"saltdig/internal/ratelimit"
)

func TestCheckAllowsUpToLimitThenDenies(t *testing.T) {
	l := ratelimit.New()
	for i := 0; i < 3; i++ {
		d := l.Check("agent-1", 3, time.Minute)
		if !d.Allowed {
			t.Fatalf("call %d: expected allowed", i)
		}
	}
	d := l.Check("agent-1", 3, time.Minute)
	if d.Allowed {
		t.Fatalf("4th call: expected denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestCheckKeysAreIndependent(t *testing.T) {
	l := ratelimit.New()
	l.Check("a", 1, time.Minute)
	d := l.Check("b", 1, time.Minute)
	if !d.Allowed {
		t.Fatalf("different key should not share a's bucket")
	}
}

func TestWindowResetsAfterElapsing(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := ratelimit.New()
	l.Now = func() time.Time { return now }

	d := l.Check("agent", 1, time.Minute)
	if !d.Allowed {
		t.Fatalf("first call should be allowed")
	}
	d = l.Check("agent", 1, time.Minute)
	if d.Allowed {
		t.Fatalf("second call within window should be denied")
	}

	now = now.Add(2 * time.Minute)
	d = l.Check("agent", 1, time.Minute)
	if !d.Allowed {
		t.Fatalf("call after window elapses should be allowed again")
	}
}

func TestSweepRemovesExpiredBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := ratelimit.New()
	l.Now = func() time.Time { return now }

	l.Check("stale", 5, time.Minute)
	now = now.Add(2 * time.Minute)
	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
}
