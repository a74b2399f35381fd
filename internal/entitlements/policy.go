package entitlements

import (
	"time"

	"autoos/internal/store"
)

const (
	TierTrial        = "trial"
	TierStudent      = "student"
	TierEmployee     = "employee"
	TierProfessional = "professional"
	TierEnterprise   = "enterprise"
)

type TierLimits struct {
	PerMinute int
	PerHour   int
}

var tierLimits = map[string]TierLimits{
	TierTrial:        {PerMinute: 10, PerHour: 100},
	TierStudent:      {PerMinute: 20, PerHour: 500},
	TierEmployee:     {PerMinute: 50, PerHour: 2000},
	TierProfessional: {PerMinute: 100, PerHour: 10000},
	TierEnterprise:   {PerMinute: 1000, PerHour: 100000},
}

func LimitsForTier(tier string) (TierLimits, bool) {
	limits, ok := tierLimits[tier]
	return limits, ok
}

// DurationForTier is the paid subscription window per tier.
func DurationForTier(tier string) time.Duration {
	if tier == TierEnterprise {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

func KnownPaidTier(tier string) bool {
	switch tier {
	case TierStudent, TierEmployee, TierProfessional, TierEnterprise:
		return true
	default:
		return false
	}
}

type Status struct {
	HasEntitlement   bool
	EntitlementID    string
	Kind             string
	Tier             string
	State            string
	IsActive         bool
	ExpiresAt        time.Time
	DaysRemaining    int
	CreditsRemaining int64
	HasCredits       bool
}

// ProjectStatus is a pure function of (record, now): expiry and credit
// exhaustion are evaluated against the live clock, never only via the sweep.
func ProjectStatus(ent store.Entitlement, now time.Time) Status {
	st := Status{
		HasEntitlement: true,
		EntitlementID:  ent.ID,
		Kind:           ent.Kind,
		Tier:           ent.Tier,
		State:          ent.State,
		ExpiresAt:      ent.ExpiresAt,
		IsActive:       ent.ActiveAt(now),
	}
	if remaining := ent.ExpiresAt.Sub(now); remaining > 0 {
		st.DaysRemaining = int(remaining / (24 * time.Hour))
	}
	if ent.CreditsRemaining.Valid {
		st.HasCredits = true
		st.CreditsRemaining = ent.CreditsRemaining.Int64
	}
	return st
}
