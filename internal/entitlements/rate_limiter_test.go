package entitlements

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*RateLimiter, *time.Time) {
	now := start
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestAllowStudentMinuteWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl, now := newTestLimiter(start)

	for i := 0; i < 20; i++ {
		*now = start.Add(time.Duration(i) * time.Second)
		allowed, _ := rl.Allow("user-1", TierStudent)
		if !allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}

	*now = start.Add(20 * time.Second)
	allowed, retryAfter := rl.Allow("user-1", TierStudent)
	if allowed {
		t.Fatalf("21st request within a minute must be rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("expected retry-after in (0, 60s], got %s", retryAfter)
	}
	// The oldest stamp (t=0) leaves the window at t=60s; we are at t=20s.
	if want := 40 * time.Second; retryAfter != want {
		t.Fatalf("expected retry-after %s, got %s", want, retryAfter)
	}

	// Waiting out the advertised duration readmits the caller.
	*now = start.Add(20*time.Second + retryAfter)
	allowed, _ = rl.Allow("user-1", TierStudent)
	if !allowed {
		t.Fatalf("request after retry-after elapsed should be admitted")
	}
}

func TestAllowWindowSlidesRequestsFallOut(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl, now := newTestLimiter(start)

	for i := 0; i < 10; i++ {
		allowed, _ := rl.Allow("user-1", TierTrial)
		if !allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	if allowed, _ := rl.Allow("user-1", TierTrial); allowed {
		t.Fatalf("11th trial request within a minute must be rejected")
	}

	// Exactly one minute later the whole burst has fallen out (half-open
	// window: a stamp aged exactly 60s no longer counts).
	*now = start.Add(time.Minute)
	if allowed, _ := rl.Allow("user-1", TierTrial); !allowed {
		t.Fatalf("request one minute later should be admitted")
	}
}

func TestAllowHourWindowBinds(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl, now := newTestLimiter(start)

	// Spread 100 admissions across the hour so the minute window never binds.
	for i := 0; i < 100; i++ {
		*now = start.Add(time.Duration(i) * 30 * time.Second)
		allowed, _ := rl.Allow("user-1", TierTrial)
		if !allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}

	*now = start.Add(100 * 30 * time.Second)
	allowed, retryAfter := rl.Allow("user-1", TierTrial)
	if allowed {
		t.Fatalf("101st request within the hour must be rejected")
	}
	// The oldest stamp is 50 minutes old; it leaves the hour window in 10.
	if want := 10 * time.Minute; retryAfter != want {
		t.Fatalf("expected retry-after %s, got %s", want, retryAfter)
	}
}

func TestAllowIsolatesUsersAndTiers(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl, _ := newTestLimiter(start)

	for i := 0; i < 10; i++ {
		if allowed, _ := rl.Allow("user-1", TierTrial); !allowed {
			t.Fatalf("user-1 request %d should be admitted", i+1)
		}
	}
	if allowed, _ := rl.Allow("user-1", TierTrial); allowed {
		t.Fatalf("user-1 should be limited")
	}
	if allowed, _ := rl.Allow("user-2", TierTrial); !allowed {
		t.Fatalf("user-2 must not share user-1's window")
	}
}

func TestAllowUnknownTierDenied(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl, _ := newTestLimiter(start)

	if allowed, _ := rl.Allow("user-1", "platinum"); allowed {
		t.Fatalf("unknown tier must be denied")
	}
	if allowed, _ := rl.Allow("", TierTrial); allowed {
		t.Fatalf("empty user must be denied")
	}
}

func TestAllowConcurrentNeverOvershoots(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl, _ := newTestLimiter(start)

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := rl.Allow("user-1", TierTrial); allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Fatalf("expected exactly 10 admissions, got %d", admitted)
	}
}

func TestAllowManyKeysIndependent(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl, _ := newTestLimiter(start)

	for i := 0; i < 50; i++ {
		user := fmt.Sprintf("user-%d", i)
		if allowed, _ := rl.Allow(user, TierEnterprise); !allowed {
			t.Fatalf("first request for %s should be admitted", user)
		}
	}
}
