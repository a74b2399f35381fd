package payments

import (
	"errors"
	"time"
)

// Payment event statuses. succeeded/failed/expired are terminal; pending is
// a no-op for the resolver (the caller keeps polling or waiting).
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

const (
	SourceCard = "card"
	SourceUPI  = "upi"
)

var (
	ErrProviderTimeout = errors.New("payment provider timeout")
	ErrUnmappedPayment = errors.New("payment event has no user mapping")
)

// Event is the one normalized shape every payment source (card intents, UPI
// transfers, webhook push or status poll) is reduced to before resolution.
type Event struct {
	PaymentRef  string
	AmountMinor int64
	Currency    string
	Status      string
	Source      string
	UserID      string
	Tier        string
	ReceivedAt  time.Time
}

// TerminalStatus reports whether a status ends the payment's lifecycle.
func TerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}
