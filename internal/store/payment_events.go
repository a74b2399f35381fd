package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PaymentEventRecord is the dedup ledger row for an ingested payment signal.
// Webhook redelivery hits the (provider, event_ref) primary key and is skipped.
type PaymentEventRecord struct {
	Provider      string
	EventRef      string
	PaymentRef    string
	Status        string
	AmountMinor   int64
	Currency      string
	Source        string
	PayloadHash   string
	ProcessStatus string
	Note          sql.NullString
	ReceivedAt    time.Time
}

func (s *Store) InsertPaymentEventIfAbsent(ctx context.Context, rec PaymentEventRecord) (bool, string, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (provider, event_ref, payment_ref, status, amount_minor, currency, source, payload_hash, process_status, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'received',$9)
		ON CONFLICT (provider, event_ref) DO NOTHING`,
		rec.Provider, rec.EventRef, rec.PaymentRef, rec.Status, rec.AmountMinor, rec.Currency, rec.Source, rec.PayloadHash, rec.ReceivedAt)
	if err != nil {
		return false, "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if affected > 0 {
		return true, "", nil
	}

	var existingStatus string
	row := s.db.QueryRowContext(ctx,
		`SELECT process_status FROM payment_events WHERE provider = $1 AND event_ref = $2`,
		rec.Provider, rec.EventRef)
	if err := row.Scan(&existingStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", err
	}
	return false, existingStatus, nil
}

func (s *Store) UpdatePaymentEventStatus(ctx context.Context, provider, eventRef, processStatus, note string) error {
	var noteValue any
	if note != "" {
		noteValue = note
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_events SET process_status = $3, note = $4
		WHERE provider = $1 AND event_ref = $2`,
		provider, eventRef, processStatus, noteValue)
	return err
}
