package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"autoos/internal/accesscode"
	"autoos/internal/config"
	"autoos/internal/entitlements"
	"autoos/internal/notify"
	"autoos/internal/store"
)

// StatusProvider answers one status query for one payment reference. Poll
// cadence, timeout and backoff belong to the caller, never to the resolver.
type StatusProvider interface {
	PollStatus(ctx context.Context, paymentRef string) (Event, error)
}

// Resolver reconciles external payment signals into entitlement transitions.
// Resolution is idempotent on payment_ref and commutative on terminal states:
// once an entitlement has left PENDING, later duplicates or stragglers for
// the same reference change nothing.
type Resolver struct {
	Config   config.Config
	Store    *store.Store
	Codes    *accesscode.Generator
	Notifier notify.Notifier
	Provider StatusProvider
	Now      func() time.Time
}

func NewResolver(cfg config.Config, st *store.Store, notifier notify.Notifier, provider StatusProvider) *Resolver {
	return &Resolver{
		Config:   cfg,
		Store:    st,
		Codes:    accesscode.NewGenerator(),
		Notifier: notifier,
		Provider: provider,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnEvent applies a single payment event. A SUCCEEDED event opens (or, for a
// pending intent, activates) a paid entitlement with a freshly minted code,
// superseding the user's previous one atomically. FAILED/EXPIRED revoke the
// matching PENDING entitlement and are never retried from here. PENDING
// events are no-ops.
func (r *Resolver) OnEvent(ctx context.Context, ev Event) (*store.Entitlement, error) {
	if ev.PaymentRef == "" {
		return nil, errors.New("payment event missing payment_ref")
	}

	switch ev.Status {
	case StatusPending:
		return nil, nil

	case StatusFailed, StatusExpired:
		if _, err := r.Store.RevokePendingByPaymentRef(ctx, ev.PaymentRef); err != nil {
			return nil, err
		}
		return nil, nil

	case StatusSucceeded:
		return r.applySuccess(ctx, ev)

	default:
		return nil, fmt.Errorf("unknown payment status %q", ev.Status)
	}
}

func (r *Resolver) applySuccess(ctx context.Context, ev Event) (*store.Entitlement, error) {
	userID := ev.UserID
	tier := ev.Tier

	// A pending intent created earlier already knows the buyer and tier.
	existing, err := r.Store.GetByPaymentRef(ctx, ev.PaymentRef)
	if err == nil {
		if userID == "" {
			userID = existing.UserID
		}
		if tier == "" {
			tier = existing.Tier
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if userID == "" {
		return nil, ErrUnmappedPayment
	}
	if !entitlements.KnownPaidTier(tier) {
		return nil, fmt.Errorf("%w: tier %q", entitlements.ErrUnknownTier, tier)
	}

	code, err := r.Codes.Generate()
	if err != nil {
		return nil, err
	}
	now := r.Now()
	opened, created, err := r.Store.OpenEntitlement(ctx, store.OpenParams{
		UserID:        userID,
		Kind:          store.KindPaid,
		Tier:          tier,
		State:         store.StateActive,
		PaymentRef:    ev.PaymentRef,
		PaymentSource: ev.Source,
		AccessCode:    code,
		IssuedAt:      now,
		ExpiresAt:     now.Add(entitlements.DurationForTier(tier)),
	})
	if err != nil {
		return nil, err
	}
	if created {
		r.publish(ctx, notify.Obligation{
			Kind:          notify.KindRenewed,
			UserID:        opened.UserID,
			EntitlementID: opened.ID,
			Tier:          opened.Tier,
			AccessCode:    opened.AccessCode.String,
			ExpiresAt:     opened.ExpiresAt,
		})
	}
	return &opened, nil
}

// Poll maps one provider status query onto one event and resolves it. If the
// caller cancels before the provider answers, nothing is applied.
func (r *Resolver) Poll(ctx context.Context, paymentRef string) (string, error) {
	if r.Provider == nil {
		return "", errors.New("no status provider configured")
	}
	ev, err := r.Provider.PollStatus(ctx, paymentRef)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := r.OnEvent(ctx, ev); err != nil {
		return "", err
	}
	return ev.Status, nil
}

// Delivery is fire-and-forget: a notification failure never unwinds the
// entitlement transition that triggered it.
func (r *Resolver) publish(ctx context.Context, ob notify.Obligation) {
	if r.Notifier == nil {
		return
	}
	if err := r.Notifier.Publish(ctx, ob); err != nil {
		log.Printf("payments notify failed kind=%s user_id=%s: %v", ob.Kind, ob.UserID, err)
	}
}
