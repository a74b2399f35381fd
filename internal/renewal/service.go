package renewal

import (
	"context"
	"log"
	"sort"
	"time"

	"autoos/internal/notify"
	"autoos/internal/store"
)

// Service is the periodic sweep: expire overdue entitlements and emit
// pre-expiry warnings. Every transition and warning is driven from the store,
// so concurrent or restarted sweeps converge on the same outcome.
type Service struct {
	Store       *store.Store
	Notifier    notify.Notifier
	WarnOffsets []int // days before expiry, e.g. 7, 3, 1
	Now         func() time.Time
}

func NewService(st *store.Store, notifier notify.Notifier, warnOffsets []int) *Service {
	return &Service{
		Store:       st,
		Notifier:    notifier,
		WarnOffsets: warnOffsets,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

type Report struct {
	Expired int
	Warned  int
}

// Run performs one sweep pass. Expiry happens first so a warning is never
// emitted for an entitlement that just lapsed. Warning emission is gated on
// the store's per-(entitlement, offset) record: a warning fires at most once
// no matter how many sweeps observe the same window.
func (s *Service) Run(ctx context.Context) (Report, error) {
	var report Report
	now := s.Now()

	expired, err := s.Store.ExpireDue(ctx, now)
	if err != nil {
		return report, err
	}
	for _, ent := range expired {
		report.Expired++
		s.publish(ctx, notify.Obligation{
			Kind:          notify.KindExpired,
			UserID:        ent.UserID,
			EntitlementID: ent.ID,
			Tier:          ent.Tier,
			ExpiresAt:     ent.ExpiresAt,
		})
	}

	offsets := append([]int(nil), s.WarnOffsets...)
	sort.Sort(sort.Reverse(sort.IntSlice(offsets)))
	if len(offsets) == 0 {
		return report, nil
	}

	horizon := time.Duration(offsets[0]) * 24 * time.Hour
	upcoming, err := s.Store.ExpiringWithin(ctx, now, horizon)
	if err != nil {
		return report, err
	}
	for _, ent := range upcoming {
		remaining := ent.ExpiresAt.Sub(now)
		for _, offset := range offsets {
			if offset <= 0 || remaining > time.Duration(offset)*24*time.Hour {
				continue
			}
			first, err := s.Store.MarkWarningEmitted(ctx, ent.ID, offset)
			if err != nil {
				return report, err
			}
			if !first {
				continue
			}
			report.Warned++
			s.publish(ctx, notify.Obligation{
				Kind:          notify.KindWarning,
				UserID:        ent.UserID,
				EntitlementID: ent.ID,
				Tier:          ent.Tier,
				ExpiresAt:     ent.ExpiresAt,
				OffsetDays:    offset,
			})
		}
	}
	return report, nil
}

func (s *Service) publish(ctx context.Context, ob notify.Obligation) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Publish(ctx, ob); err != nil {
		log.Printf("renewal notify failed kind=%s entitlement_id=%s: %v", ob.Kind, ob.EntitlementID, err)
	}
}
