package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	KindTrial = "trial"
	KindPaid  = "paid"
)

const (
	StatePending    = "pending"
	StateActive     = "active"
	StateExpired    = "expired"
	StateRevoked    = "revoked"
	StateSuperseded = "superseded"
)

// Verification reasons. Terminal for the calling request; the API layer maps
// them onto the user-visible set without leaking which internal branch fired.
const (
	ReasonNotFound            = "not_found"
	ReasonPending             = "pending"
	ReasonRevoked             = "revoked"
	ReasonSuperseded          = "superseded"
	ReasonExpired             = "expired"
	ReasonInsufficientCredits = "insufficient_credits"
)

var (
	ErrAlreadyTrialed      = errors.New("user already consumed their trial")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

type Entitlement struct {
	ID               string
	UserID           string
	Kind             string
	Tier             string
	State            string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	CreditsRemaining sql.NullInt64
	AccessCode       sql.NullString
	PaymentRef       sql.NullString
	PaymentSource    sql.NullString
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expiry is exclusive: at expires_at the entitlement is already inactive.
func (e Entitlement) ActiveAt(now time.Time) bool {
	if e.State != StateActive {
		return false
	}
	if !now.Before(e.ExpiresAt) {
		return false
	}
	if e.Kind == KindTrial && e.CreditsRemaining.Valid && e.CreditsRemaining.Int64 <= 0 {
		return false
	}
	return true
}

type Verification struct {
	Valid       bool
	Reason      string
	Entitlement Entitlement
}

type OpenParams struct {
	UserID        string
	Kind          string
	Tier          string
	State         string // StatePending or StateActive
	PaymentRef    string
	PaymentSource string
	AccessCode    string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Credits       sql.NullInt64
}

const entitlementColumns = `id, user_id, kind, tier, state, issued_at, expires_at, credits_remaining, access_code, payment_ref, payment_source, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row rowScanner) (Entitlement, error) {
	var e Entitlement
	err := row.Scan(&e.ID, &e.UserID, &e.Kind, &e.Tier, &e.State, &e.IssuedAt, &e.ExpiresAt,
		&e.CreditsRemaining, &e.AccessCode, &e.PaymentRef, &e.PaymentSource, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var errPaymentRefRace = errors.New("payment_ref inserted concurrently")

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

// OpenEntitlement creates or activates an entitlement. It is idempotent on
// payment_ref: replaying a confirmed payment returns the entitlement already
// opened for that reference instead of creating a second one. Activating an
// entitlement supersedes any other ACTIVE entitlement of the same user inside
// the same transaction, so at most one ACTIVE row per user ever exists.
func (s *Store) OpenEntitlement(ctx context.Context, p OpenParams) (Entitlement, bool, error) {
	if p.State == "" {
		p.State = StateActive
	}

	var out Entitlement
	var created bool
	var err error
	// Two activations for the same user can race past each other's
	// supersede and collide on the one-active index; the loser reruns the
	// supersede against the winner's committed row.
	for attempt := 0; attempt < 2; attempt++ {
		out, created, err = s.openEntitlementTx(ctx, p)
		if attempt == 0 && isUniqueViolation(err, "entitlements_one_active_key") {
			continue
		}
		break
	}
	return out, created, err
}

func (s *Store) openEntitlementTx(ctx context.Context, p OpenParams) (Entitlement, bool, error) {
	var out Entitlement
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if p.State == StateActive {
			// Serialize activations per user. Without this, two
			// transactions can each supersede the same snapshot and
			// then collide on the one-active index.
			if _, err := tx.ExecContext(ctx,
				`SELECT pg_advisory_xact_lock(hashtext($1))`, p.UserID); err != nil {
				return err
			}
		}
		if p.PaymentRef != "" {
			row := tx.QueryRowContext(ctx,
				`SELECT `+entitlementColumns+` FROM entitlements WHERE payment_ref = $1 FOR UPDATE`, p.PaymentRef)
			existing, err := scanEntitlement(row)
			switch {
			case err == nil:
				if existing.State == StatePending && p.State == StateActive {
					activated, err := activatePending(ctx, tx, existing, p)
					if err != nil {
						return err
					}
					out = activated
					created = true
					return nil
				}
				// Terminal states are sticky: replayed or out-of-order
				// events for the same reference change nothing.
				out = existing
				created = false
				return nil
			case errors.Is(err, sql.ErrNoRows):
				// fall through to insert
			default:
				return err
			}
		}

		if p.State == StateActive {
			if err := supersedeActive(ctx, tx, p.UserID, ""); err != nil {
				return err
			}
		}
		inserted, err := insertEntitlement(ctx, tx, p)
		if err != nil {
			return err
		}
		out = inserted
		created = true
		return nil
	})
	if errors.Is(err, errPaymentRefRace) {
		// A concurrent transaction won the unique index; its row is the
		// entitlement for this reference.
		existing, lookupErr := s.GetByPaymentRef(ctx, p.PaymentRef)
		if lookupErr != nil {
			return Entitlement{}, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return Entitlement{}, false, err
	}
	return out, created, nil
}

func activatePending(ctx context.Context, tx *sql.Tx, existing Entitlement, p OpenParams) (Entitlement, error) {
	if err := supersedeActive(ctx, tx, existing.UserID, existing.ID); err != nil {
		return Entitlement{}, err
	}
	row := tx.QueryRowContext(ctx, `
		UPDATE entitlements
		SET state = $2, tier = $3, access_code = $4, issued_at = $5, expires_at = $6, updated_at = $5
		WHERE id = $1
		RETURNING `+entitlementColumns,
		existing.ID, StateActive, p.Tier, p.AccessCode, p.IssuedAt, p.ExpiresAt)
	return scanEntitlement(row)
}

func supersedeActive(ctx context.Context, tx *sql.Tx, userID string, exceptID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE entitlements SET state = $2, updated_at = now()
		WHERE user_id = $1 AND state = $3 AND ($4 = '' OR id::text <> $4)`,
		userID, StateSuperseded, StateActive, exceptID)
	return err
}

func insertEntitlement(ctx context.Context, tx *sql.Tx, p OpenParams) (Entitlement, error) {
	id := uuid.NewString()
	var code, ref, source any
	if p.AccessCode != "" {
		code = p.AccessCode
	}
	if p.PaymentRef != "" {
		ref = p.PaymentRef
	}
	if p.PaymentSource != "" {
		source = p.PaymentSource
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO entitlements (id, user_id, kind, tier, state, issued_at, expires_at, credits_remaining, access_code, payment_ref, payment_source, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$6,$6)
		ON CONFLICT (payment_ref) WHERE payment_ref IS NOT NULL DO NOTHING
		RETURNING `+entitlementColumns,
		id, p.UserID, p.Kind, p.Tier, p.State, p.IssuedAt, p.ExpiresAt, p.Credits, code, ref, source)
	inserted, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entitlement{}, errPaymentRefRace
	}
	return inserted, err
}

type TrialParams struct {
	UserID     string
	Tier       string
	AccessCode string
	Credits    int64
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// StartTrial opens a trial entitlement, active immediately. The trial_history
// row is a lifetime guard: one trial per user, ever, regardless of how the
// trial entitlement later terminates.
func (s *Store) StartTrial(ctx context.Context, p TrialParams) (Entitlement, error) {
	var out Entitlement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO trial_history (user_id, started_at) VALUES ($1, $2)
			ON CONFLICT (user_id) DO NOTHING`, p.UserID, p.IssuedAt)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrAlreadyTrialed
		}

		if err := supersedeActive(ctx, tx, p.UserID, ""); err != nil {
			return err
		}
		inserted, err := insertEntitlement(ctx, tx, OpenParams{
			UserID:     p.UserID,
			Kind:       KindTrial,
			Tier:       p.Tier,
			State:      StateActive,
			AccessCode: p.AccessCode,
			IssuedAt:   p.IssuedAt,
			ExpiresAt:  p.ExpiresAt,
			Credits:    sql.NullInt64{Int64: p.Credits, Valid: true},
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE trial_history SET entitlement_id = $2 WHERE user_id = $1`, p.UserID, inserted.ID); err != nil {
			return err
		}
		out = inserted
		return nil
	})
	if err != nil {
		return Entitlement{}, err
	}
	return out, nil
}

// VerifyCode checks an access code against the live clock and, for trial
// entitlements, deducts one credit in the same transaction when deduct is set.
// The row lock makes check-plus-deduct a single atomic unit: two concurrent
// verifications can never both spend the last credit.
func (s *Store) VerifyCode(ctx context.Context, code string, now time.Time, deduct bool) (Verification, error) {
	var v Verification
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+entitlementColumns+` FROM entitlements WHERE access_code = $1 FOR UPDATE`, code)
		ent, err := scanEntitlement(row)
		if errors.Is(err, sql.ErrNoRows) {
			v = Verification{Valid: false, Reason: ReasonNotFound}
			return nil
		}
		if err != nil {
			return err
		}
		v.Entitlement = ent

		switch ent.State {
		case StatePending:
			v.Reason = ReasonPending
			return nil
		case StateRevoked:
			v.Reason = ReasonRevoked
			return nil
		case StateSuperseded:
			v.Reason = ReasonSuperseded
			return nil
		case StateExpired:
			v.Reason = ReasonExpired
			return nil
		}
		if !now.Before(ent.ExpiresAt) {
			v.Reason = ReasonExpired
			return nil
		}
		if ent.Kind == KindTrial {
			if !ent.CreditsRemaining.Valid || ent.CreditsRemaining.Int64 <= 0 {
				v.Reason = ReasonInsufficientCredits
				return nil
			}
			if deduct {
				var remaining int64
				err := tx.QueryRowContext(ctx, `
					UPDATE entitlements
					SET credits_remaining = credits_remaining - 1, updated_at = $2
					WHERE id = $1 AND credits_remaining >= 1
					RETURNING credits_remaining`, ent.ID, now).Scan(&remaining)
				if errors.Is(err, sql.ErrNoRows) {
					v.Reason = ReasonInsufficientCredits
					return nil
				}
				if err != nil {
					return err
				}
				v.Entitlement.CreditsRemaining = sql.NullInt64{Int64: remaining, Valid: true}
			}
		}
		v.Valid = true
		return nil
	})
	if err != nil {
		return Verification{}, err
	}
	return v, nil
}

// DeductCredit atomically decrements a trial counter. The guard clause keeps
// the counter from ever going below zero; a failed deduction leaves it untouched.
func (s *Store) DeductCredit(ctx context.Context, entitlementID string, amount int64) (int64, error) {
	var remaining int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE entitlements
		SET credits_remaining = credits_remaining - $2, updated_at = now()
		WHERE id = $1 AND kind = $3 AND state = $4 AND credits_remaining >= $2
		RETURNING credits_remaining`,
		entitlementID, amount, KindTrial, StateActive).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		if _, lookupErr := s.GetEntitlement(ctx, entitlementID); lookupErr != nil {
			return 0, lookupErr
		}
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// ExpireDue transitions every overdue ACTIVE entitlement to EXPIRED and
// returns the rows it touched, for the renewal sweep to emit obligations on.
// Credit-exhausted trials expire here too, even when time remains.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE entitlements
		SET state = $2, updated_at = $1
		WHERE state = $3 AND (expires_at <= $1 OR (kind = $4 AND credits_remaining <= 0))
		RETURNING `+entitlementColumns,
		now, StateExpired, StateActive, KindTrial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntitlements(rows)
}

// ExpiringWithin lists ACTIVE entitlements whose expiry falls inside
// (now, now+within], for warning emission.
func (s *Store) ExpiringWithin(ctx context.Context, now time.Time, within time.Duration) ([]Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE state = $1 AND expires_at > $2 AND expires_at <= $3
		ORDER BY expires_at ASC`,
		StateActive, now, now.Add(within))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntitlements(rows)
}

// Revoke is the administrative hard stop. Revoking an already-terminal
// entitlement is a no-op; revoking an unknown one reports sql.ErrNoRows.
func (s *Store) Revoke(ctx context.Context, entitlementID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements SET state = $2, updated_at = now()
		WHERE id = $1 AND state IN ($3, $4)`,
		entitlementID, StateRevoked, StateActive, StatePending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetEntitlement(ctx, entitlementID); err != nil {
			return err
		}
	}
	return nil
}

// RevokePendingByPaymentRef closes out a PENDING entitlement whose payment
// terminally failed or expired. ACTIVE and terminal rows are left alone.
func (s *Store) RevokePendingByPaymentRef(ctx context.Context, paymentRef string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements SET state = $2, updated_at = now()
		WHERE payment_ref = $1 AND state = $3`,
		paymentRef, StateRevoked, StatePending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) GetEntitlement(ctx context.Context, id string) (Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1`, id)
	return scanEntitlement(row)
}

func (s *Store) GetByPaymentRef(ctx context.Context, paymentRef string) (Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE payment_ref = $1`, paymentRef)
	return scanEntitlement(row)
}

func (s *Store) ActiveEntitlement(ctx context.Context, userID string) (Entitlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1 AND state = $2`, userID, StateActive)
	return scanEntitlement(row)
}

// ListPendingBySource returns PENDING paid entitlements for a payment source,
// oldest first. The poll loop walks these for providers without webhooks.
func (s *Store) ListPendingBySource(ctx context.Context, source string, limit int) ([]Entitlement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE state = $1 AND payment_source = $2
		ORDER BY created_at ASC LIMIT $3`,
		StatePending, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntitlements(rows)
}

// MarkWarningEmitted records that the given pre-expiry warning offset has been
// emitted for an entitlement. It reports true only on the first call for a
// given (entitlement, offset) pair, so a warning is never sent twice no matter
// how often the sweep runs.
func (s *Store) MarkWarningEmitted(ctx context.Context, entitlementID string, offsetDays int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO renewal_warnings (entitlement_id, offset_days, emitted_at)
		VALUES ($1, $2, now())
		ON CONFLICT (entitlement_id, offset_days) DO NOTHING`,
		entitlementID, offsetDays)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func collectEntitlements(rows *sql.Rows) ([]Entitlement, error) {
	var out []Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}
