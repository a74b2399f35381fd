package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"autoos/internal/config"
	"autoos/internal/entitlements"
	"autoos/internal/store"
)

// Gateway replies are validated before any status is trusted; a gateway that
// answers with garbage must read as an error, never as a terminal state.
const upiStatusSchema = `{
  "type": "object",
  "required": ["payment_ref", "status"],
  "properties": {
    "payment_ref": {"type": "string", "minLength": 1},
    "status": {"type": "string", "minLength": 1},
    "amount_minor": {"type": "integer", "minimum": 0},
    "currency": {"type": "string"},
    "user_id": {"type": "string"},
    "tier": {"type": "string"}
  }
}`

var upiStatusValidator = jsonschema.MustCompileString("upi_status.json", upiStatusSchema)

// UPIProvider polls a UPI gateway for payment status. UPI has no webhook
// push, so pending QR intents are resolved exclusively through this path.
type UPIProvider struct {
	Config config.Config
	HTTP   *http.Client
	Now    func() time.Time
}

func NewUPIProvider(cfg config.Config) *UPIProvider {
	return &UPIProvider{
		Config: cfg,
		HTTP:   &http.Client{Timeout: cfg.Payments.PollTimeout},
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewPaymentRef mints a gateway-facing reference for a QR intent.
func NewPaymentRef() string {
	return "qr_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// PaymentURI renders the upi://pay deep link encoded into the QR image.
func PaymentURI(cfg config.Config, paymentRef string, amountMinor int64, note string) string {
	q := neturl.Values{}
	q.Set("pa", cfg.UPI.MerchantVPA)
	q.Set("pn", cfg.UPI.MerchantName)
	q.Set("am", fmt.Sprintf("%.2f", float64(amountMinor)/100))
	q.Set("cu", "INR")
	q.Set("tn", note)
	q.Set("tr", paymentRef)
	return "upi://pay?" + q.Encode()
}

type upiStatusReply struct {
	PaymentRef  string `json:"payment_ref"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	UserID      string `json:"user_id"`
	Tier        string `json:"tier"`
}

// PollStatus asks the gateway for the current state of one payment reference.
// A slow gateway surfaces as ErrProviderTimeout so the caller can back off
// instead of treating the silence as a payment outcome.
func (p *UPIProvider) PollStatus(ctx context.Context, paymentRef string) (Event, error) {
	gateway := strings.TrimRight(p.Config.UPI.GatewayURL, "/")
	if gateway == "" {
		return Event{}, errors.New("upi gateway url not configured")
	}

	endpoint := gateway + "/v1/payments/" + neturl.PathEscape(paymentRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Event{}, err
	}

	resp, err := p.HTTP.Do(req)
	if err != nil {
		var ue *neturl.Error
		if errors.As(err, &ue) && ue.Timeout() {
			return Event{}, fmt.Errorf("%w: %v", ErrProviderTimeout, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Event{}, fmt.Errorf("%w: %v", ErrProviderTimeout, err)
		}
		return Event{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Event{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Event{}, fmt.Errorf("upi gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("upi gateway reply not json: %w", err)
	}
	if err := upiStatusValidator.Validate(raw); err != nil {
		return Event{}, fmt.Errorf("upi gateway reply invalid: %w", err)
	}

	var reply upiStatusReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return Event{}, err
	}
	if reply.PaymentRef != paymentRef {
		return Event{}, fmt.Errorf("upi gateway reply for %q does not match queried reference %q", reply.PaymentRef, paymentRef)
	}
	status, err := normalizeUPIStatus(reply.Status)
	if err != nil {
		return Event{}, err
	}

	return Event{
		PaymentRef:  reply.PaymentRef,
		AmountMinor: reply.AmountMinor,
		Currency:    strings.ToUpper(reply.Currency),
		Status:      status,
		Source:      SourceUPI,
		UserID:      reply.UserID,
		Tier:        reply.Tier,
		ReceivedAt:  p.Now(),
	}, nil
}

func normalizeUPIStatus(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "created", "initiated":
		return StatusPending, nil
	case "succeeded", "success", "completed", "captured":
		return StatusSucceeded, nil
	case "failed", "declined", "rejected":
		return StatusFailed, nil
	case "expired", "timeout":
		return StatusExpired, nil
	default:
		return "", fmt.Errorf("unknown upi gateway status %q", raw)
	}
}

// QRPayment is the handle returned for a freshly created UPI intent. The
// caller renders URI as a QR code; the intent stays PENDING until the poll
// loop or an explicit poll resolves it, and lapses at ExpiresAt.
type QRPayment struct {
	PaymentRef  string    `json:"payment_ref"`
	URI         string    `json:"uri"`
	AmountMinor int64     `json:"amount_minor"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CreateUPIPayment opens a PENDING entitlement bound to a fresh payment
// reference. The pending row carries the buyer and tier, so a later gateway
// status that omits them still resolves to the right user.
func (r *Resolver) CreateUPIPayment(ctx context.Context, userID, tier string, amountMinor int64) (QRPayment, error) {
	if userID == "" {
		return QRPayment{}, errors.New("missing user id")
	}
	if !entitlements.KnownPaidTier(tier) {
		return QRPayment{}, fmt.Errorf("%w: tier %q", entitlements.ErrUnknownTier, tier)
	}
	if amountMinor <= 0 {
		return QRPayment{}, errors.New("amount must be positive")
	}

	ref := NewPaymentRef()
	now := r.Now()
	deadline := now.Add(r.Config.UPI.PaymentTimeout)
	_, _, err := r.Store.OpenEntitlement(ctx, store.OpenParams{
		UserID:        userID,
		Kind:          store.KindPaid,
		Tier:          tier,
		State:         store.StatePending,
		PaymentRef:    ref,
		PaymentSource: SourceUPI,
		IssuedAt:      now,
		ExpiresAt:     deadline,
	})
	if err != nil {
		return QRPayment{}, err
	}

	return QRPayment{
		PaymentRef:  ref,
		URI:         PaymentURI(r.Config, ref, amountMinor, r.Config.UPI.MerchantName+" "+tier),
		AmountMinor: amountMinor,
		ExpiresAt:   deadline,
	}, nil
}

// CloseOverdueIntent revokes a PENDING intent whose payment window has lapsed.
// Gateways are not trusted to report expiry; the deadline recorded at creation
// is authoritative. Returns true when this call closed the intent.
func (r *Resolver) CloseOverdueIntent(ctx context.Context, ent store.Entitlement) (bool, error) {
	if ent.State != store.StatePending || !ent.PaymentRef.Valid {
		return false, nil
	}
	if r.Now().Before(ent.ExpiresAt) {
		return false, nil
	}
	return r.Store.RevokePendingByPaymentRef(ctx, ent.PaymentRef.String)
}
