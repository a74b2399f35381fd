package entitlements

import (
	"database/sql"
	"testing"
	"time"

	"autoos/internal/store"
)

func TestProjectStatusExpiryIsExclusive(t *testing.T) {
	expiry := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	ent := store.Entitlement{
		ID:        "ent-1",
		Kind:      store.KindPaid,
		Tier:      TierStudent,
		State:     store.StateActive,
		ExpiresAt: expiry,
	}

	before := ProjectStatus(ent, expiry.Add(-time.Second))
	if !before.IsActive {
		t.Fatalf("expected active just before expiry")
	}

	at := ProjectStatus(ent, expiry)
	if at.IsActive {
		t.Fatalf("expected inactive exactly at expiry")
	}
	if at.DaysRemaining != 0 {
		t.Fatalf("expected 0 days remaining at expiry, got %d", at.DaysRemaining)
	}
}

func TestProjectStatusDaysRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ent := store.Entitlement{
		Kind:      store.KindPaid,
		Tier:      TierProfessional,
		State:     store.StateActive,
		ExpiresAt: now.Add(7*24*time.Hour + time.Hour),
	}
	st := ProjectStatus(ent, now)
	if st.DaysRemaining != 7 {
		t.Fatalf("expected 7 days remaining, got %d", st.DaysRemaining)
	}

	ent.ExpiresAt = now.Add(23 * time.Hour)
	st = ProjectStatus(ent, now)
	if st.DaysRemaining != 0 {
		t.Fatalf("expected 0 whole days remaining, got %d", st.DaysRemaining)
	}
	if !st.IsActive {
		t.Fatalf("an entitlement inside its last day is still active")
	}
}

func TestProjectStatusTrialCreditsGate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ent := store.Entitlement{
		Kind:             store.KindTrial,
		Tier:             TierTrial,
		State:            store.StateActive,
		ExpiresAt:        now.Add(10 * 24 * time.Hour),
		CreditsRemaining: sql.NullInt64{Int64: 0, Valid: true},
	}
	st := ProjectStatus(ent, now)
	if st.IsActive {
		t.Fatalf("trial with zero credits is inactive even with time left")
	}
	if !st.HasCredits || st.CreditsRemaining != 0 {
		t.Fatalf("expected credits to be reported, got %+v", st)
	}

	ent.CreditsRemaining = sql.NullInt64{Int64: 3, Valid: true}
	if st := ProjectStatus(ent, now); !st.IsActive {
		t.Fatalf("trial with credits and time must be active")
	}
}

func TestProjectStatusNonActiveStates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, state := range []string{store.StatePending, store.StateExpired, store.StateRevoked, store.StateSuperseded} {
		ent := store.Entitlement{
			Kind:      store.KindPaid,
			Tier:      TierEmployee,
			State:     state,
			ExpiresAt: now.Add(24 * time.Hour),
		}
		if st := ProjectStatus(ent, now); st.IsActive {
			t.Fatalf("state %s must not project as active", state)
		}
	}
}

func TestDurationForTier(t *testing.T) {
	if got := DurationForTier(TierEnterprise); got != 365*24*time.Hour {
		t.Fatalf("enterprise duration: got %s", got)
	}
	for _, tier := range []string{TierStudent, TierEmployee, TierProfessional} {
		if got := DurationForTier(tier); got != 30*24*time.Hour {
			t.Fatalf("%s duration: got %s", tier, got)
		}
	}
}

func TestKnownPaidTier(t *testing.T) {
	if KnownPaidTier(TierTrial) {
		t.Fatalf("trial is not a paid tier")
	}
	if KnownPaidTier("platinum") {
		t.Fatalf("unknown tier accepted")
	}
	if !KnownPaidTier(TierEnterprise) {
		t.Fatalf("enterprise should be a paid tier")
	}
}
