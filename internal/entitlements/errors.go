package entitlements

import (
	"errors"
	"fmt"
	"time"

	"autoos/internal/store"
)

var (
	ErrInvalidCodeFormat  = errors.New("invalid access code format")
	ErrCodeNotFound       = errors.New("access code not found")
	ErrEntitlementExpired = errors.New("entitlement expired")
	ErrEntitlementRevoked = errors.New("entitlement revoked")

	// Store-level conditions surface under the same sentinel everywhere.
	ErrInsufficientCredits = store.ErrInsufficientCredits
	ErrAlreadyTrialed      = store.ErrAlreadyTrialed

	ErrUnknownTier = errors.New("unknown tier")
)

type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
