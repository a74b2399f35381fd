package entitlements

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"autoos/internal/accesscode"
	"autoos/internal/config"
	"autoos/internal/observability"
	"autoos/internal/store"
)

// Service gates every protected call: rate limit by tier, then confirm the
// entitlement is live, deducting one trial credit atomically with the check.
type Service struct {
	Config config.Config
	Store  *store.Store
	Codes  *accesscode.Generator

	RateLimiter *RateLimiter
	Observer    *observability.EntitlementObserver
	Now         func() time.Time
}

func NewService(cfg config.Config, st *store.Store, observer *observability.EntitlementObserver) *Service {
	return &Service{
		Config:      cfg,
		Store:       st,
		Codes:       accesscode.NewGenerator(),
		RateLimiter: NewRateLimiter(),
		Observer:    observer,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

type VerifyResult struct {
	Entitlement      store.Entitlement
	DaysRemaining    int
	CreditsRemaining sql.NullInt64
}

// VerifyCode validates an access code for one protected call. For trial
// entitlements one credit is deducted inside the same store transaction as
// the liveness check, so concurrent requests can never overspend. Every
// failure is terminal for the calling request.
func (s *Service) VerifyCode(ctx context.Context, code string) (VerifyResult, error) {
	if !accesscode.ValidFormat(code) {
		return VerifyResult{}, ErrInvalidCodeFormat
	}

	now := s.Now()
	v, err := s.Store.VerifyCode(ctx, code, now, true)
	if err != nil {
		return VerifyResult{}, err
	}
	if !v.Valid {
		s.Observer.RecordDeny(v.Entitlement.UserID, "verify_"+v.Reason)
		return VerifyResult{}, verifyErrForReason(v.Reason)
	}

	result := VerifyResult{
		Entitlement:      v.Entitlement,
		CreditsRemaining: v.Entitlement.CreditsRemaining,
	}
	if remaining := v.Entitlement.ExpiresAt.Sub(now); remaining > 0 {
		result.DaysRemaining = int(remaining / (24 * time.Hour))
	}
	if v.Entitlement.Kind == store.KindTrial {
		s.Observer.RecordAllow(v.Entitlement.UserID, "verified",
			v.Entitlement.CreditsRemaining.Int64, int64(s.Config.Trial.Credits))
	} else {
		s.Observer.RecordAllow(v.Entitlement.UserID, "verified", 0, 0)
	}
	return result, nil
}

func verifyErrForReason(reason string) error {
	switch reason {
	case store.ReasonRevoked:
		return ErrEntitlementRevoked
	case store.ReasonExpired, store.ReasonSuperseded:
		return ErrEntitlementExpired
	case store.ReasonInsufficientCredits:
		return ErrInsufficientCredits
	default:
		// not_found and pending are indistinguishable to the caller: a code
		// that is not yet usable must not leak that it exists.
		return ErrCodeNotFound
	}
}

// StartTrial opens the one lifetime trial for a user, active immediately.
func (s *Service) StartTrial(ctx context.Context, userID string) (store.Entitlement, error) {
	code, err := s.Codes.Generate()
	if err != nil {
		return store.Entitlement{}, err
	}
	now := s.Now()
	ent, err := s.Store.StartTrial(ctx, store.TrialParams{
		UserID:     userID,
		Tier:       TierTrial,
		AccessCode: code,
		Credits:    int64(s.Config.Trial.Credits),
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Duration(s.Config.Trial.Days) * 24 * time.Hour),
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTrialed) {
			s.Observer.RecordDeny(userID, "already_trialed")
		}
		return store.Entitlement{}, err
	}
	s.Observer.RecordAllow(userID, "trial_started", ent.CreditsRemaining.Int64, int64(s.Config.Trial.Credits))
	return ent, nil
}

// CheckRateLimit admits or rejects one request for the user's tier.
func (s *Service) CheckRateLimit(userID string, tier string) error {
	allowed, retryAfter := s.RateLimiter.Allow(userID, tier)
	if allowed {
		return nil
	}
	s.Observer.RecordDeny(userID, "rate_limited")
	return &RateLimitError{RetryAfter: retryAfter}
}

// DeductCredit spends trial credits outside the verify path (bulk actions).
func (s *Service) DeductCredit(ctx context.Context, entitlementID string, amount int64) (int64, error) {
	if amount <= 0 {
		amount = 1
	}
	remaining, err := s.Store.DeductCredit(ctx, entitlementID, amount)
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// Status reports the user's current entitlement as of now. A user with no
// active entitlement gets a zero Status, not an error.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	ent, err := s.Store.ActiveEntitlement(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Status{}, nil
		}
		return Status{}, err
	}
	return ProjectStatus(ent, s.Now()), nil
}

// EntitlementStatus is the per-entitlement projection (time plus credits).
func (s *Service) EntitlementStatus(ctx context.Context, entitlementID string) (Status, error) {
	ent, err := s.Store.GetEntitlement(ctx, entitlementID)
	if err != nil {
		return Status{}, err
	}
	return ProjectStatus(ent, s.Now()), nil
}

// Revoke is the administrative hard stop for an entitlement.
func (s *Service) Revoke(ctx context.Context, entitlementID string) error {
	if err := s.Store.Revoke(ctx, entitlementID); err != nil {
		return err
	}
	ent, err := s.Store.GetEntitlement(ctx, entitlementID)
	if err == nil {
		s.Observer.RecordDeny(ent.UserID, "revoked")
	}
	return nil
}
