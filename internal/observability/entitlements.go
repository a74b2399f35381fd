package observability

import (
	"log"
	"sync"
)

type EntitlementObserver struct {
	logger *log.Logger

	mu         sync.Mutex
	denyCounts map[string]int64
	warnedLow  map[string]bool
}

func NewEntitlementObserver(logger *log.Logger) *EntitlementObserver {
	if logger == nil {
		logger = log.Default()
	}
	return &EntitlementObserver{
		logger:     logger,
		denyCounts: make(map[string]int64),
		warnedLow:  make(map[string]bool),
	}
}

func (o *EntitlementObserver) RecordAllow(userID string, reason string, creditsRemaining, creditsTotal int64) {
	if o == nil {
		return
	}
	o.logger.Printf("entitlements allow user_id=%s reason=%s credits_remaining=%d credits_total=%d", userID, reason, creditsRemaining, creditsTotal)

	if creditsTotal <= 0 {
		return
	}
	consumed := float64(creditsTotal-creditsRemaining) / float64(creditsTotal)
	if consumed >= 0.8 {
		o.mu.Lock()
		alreadyWarned := o.warnedLow[userID]
		if !alreadyWarned {
			o.warnedLow[userID] = true
		}
		o.mu.Unlock()
		if !alreadyWarned {
			o.logger.Printf("entitlements warning user_id=%s threshold=0.80 credits_remaining=%d credits_total=%d", userID, creditsRemaining, creditsTotal)
		}
	}
}

func (o *EntitlementObserver) RecordDeny(userID string, reason string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.denyCounts[userID]++
	count := o.denyCounts[userID]
	o.mu.Unlock()

	o.logger.Printf("entitlements deny user_id=%s reason=%s count=%d", userID, reason, count)

	// Basic alert hook for repeated spikes in deny events.
	if count%10 == 0 {
		o.logger.Printf("entitlements alert user_id=%s reason=%s repeated_deny_count=%d", userID, reason, count)
	}
}
