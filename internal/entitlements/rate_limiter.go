package entitlements

import (
	"sync"
	"time"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// RateLimiter applies sliding-window admission control per (user, tier) key.
// Windows are half-open (now-period, now], so a timestamp exactly one period
// old has already fallen out. State is ephemeral: rebuilt empty on restart,
// pruned lazily per key on each Allow call.
type RateLimiter struct {
	now func() time.Time

	mu      sync.RWMutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	mu     sync.Mutex
	stamps []time.Time // ascending, admitted requests only
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		now:     func() time.Time { return time.Now().UTC() },
		windows: make(map[string]*rateWindow),
	}
}

// Allow admits a request when both the trailing minute and trailing hour
// counts are under the tier's limits, recording the timestamp on admission.
// On rejection the returned duration is the time until the oldest timestamp
// in the binding window falls out of range; when both windows bind, the
// caller has to outwait both.
func (r *RateLimiter) Allow(userID string, tier string) (bool, time.Duration) {
	limits, ok := LimitsForTier(tier)
	if !ok || userID == "" {
		return false, minuteWindow
	}

	w := r.window(userID + "|" + tier)
	now := r.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	// Prune everything outside the longest window.
	hourCutoff := now.Add(-hourWindow)
	firstKept := 0
	for firstKept < len(w.stamps) && !w.stamps[firstKept].After(hourCutoff) {
		firstKept++
	}
	if firstKept > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[firstKept:]...)
	}

	minuteCutoff := now.Add(-minuteWindow)
	minuteCount := 0
	for i := len(w.stamps) - 1; i >= 0; i-- {
		if !w.stamps[i].After(minuteCutoff) {
			break
		}
		minuteCount++
	}

	var retryAfter time.Duration
	if minuteCount >= limits.PerMinute && limits.PerMinute > 0 {
		oldest := w.stamps[len(w.stamps)-minuteCount]
		if wait := oldest.Add(minuteWindow).Sub(now); wait > retryAfter {
			retryAfter = wait
		}
	}
	if len(w.stamps) >= limits.PerHour && limits.PerHour > 0 {
		oldest := w.stamps[0]
		if wait := oldest.Add(hourWindow).Sub(now); wait > retryAfter {
			retryAfter = wait
		}
	}
	if retryAfter > 0 {
		return false, retryAfter
	}

	w.stamps = append(w.stamps, now)
	return true, 0
}

func (r *RateLimiter) window(key string) *rateWindow {
	r.mu.RLock()
	w, ok := r.windows[key]
	r.mu.RUnlock()
	if ok {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[key]; ok {
		return w
	}
	w = &rateWindow{}
	r.windows[key] = w
	return w
}
