package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"autoos/internal/config"
	"autoos/internal/store"
)

const stripeProvider = "stripe"

// StripeWebhook ingests signed Stripe webhook deliveries and reduces the
// payment_intent events to normalized payment events for the resolver.
type StripeWebhook struct {
	Config   config.Config
	Store    *store.Store
	Resolver *Resolver
	Now      func() time.Time
}

func NewStripeWebhook(cfg config.Config, st *store.Store, resolver *Resolver) *StripeWebhook {
	return &StripeWebhook{
		Config:   cfg,
		Store:    st,
		Resolver: resolver,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripePaymentIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

// ProcessWebhook verifies the delivery signature, dedups on the Stripe event
// ID and applies the event. Redelivery of an already-processed event returns
// nil without touching any entitlement.
func (s *StripeWebhook) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if s == nil || s.Store == nil {
		return errors.New("stripe webhook not configured")
	}
	if err := s.verifySignature(payload, signatureHeader); err != nil {
		return err
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	if event.ID == "" || event.Type == "" {
		return errors.New("invalid stripe event payload")
	}

	status, ok := stripeEventStatus(event.Type)
	if !ok {
		return nil
	}

	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return err
	}
	if intent.ID == "" {
		return errors.New("stripe event missing payment intent id")
	}

	now := s.Now()
	inserted, existingStatus, err := s.Store.InsertPaymentEventIfAbsent(ctx, store.PaymentEventRecord{
		Provider:    stripeProvider,
		EventRef:    event.ID,
		PaymentRef:  intent.ID,
		Status:      status,
		AmountMinor: intent.Amount,
		Currency:    strings.ToUpper(intent.Currency),
		Source:      SourceCard,
		PayloadHash: sha256Hex(payload),
		ReceivedAt:  now,
	})
	if err != nil {
		return err
	}
	if !inserted && existingStatus == "processed" {
		return nil
	}

	ev := Event{
		PaymentRef:  intent.ID,
		AmountMinor: intent.Amount,
		Currency:    strings.ToUpper(intent.Currency),
		Status:      status,
		Source:      SourceCard,
		UserID:      strings.TrimSpace(intent.Metadata["user_id"]),
		Tier:        strings.TrimSpace(intent.Metadata["tier"]),
		ReceivedAt:  now,
	}
	if _, err := s.Resolver.OnEvent(ctx, ev); err != nil {
		_ = s.Store.UpdatePaymentEventStatus(ctx, stripeProvider, event.ID, "failed", err.Error())
		return err
	}
	return s.Store.UpdatePaymentEventStatus(ctx, stripeProvider, event.ID, "processed", "")
}

func stripeEventStatus(eventType string) (string, bool) {
	switch eventType {
	case "payment_intent.succeeded":
		return StatusSucceeded, true
	case "payment_intent.payment_failed":
		return StatusFailed, true
	case "payment_intent.canceled":
		return StatusExpired, true
	default:
		return "", false
	}
}

func (s *StripeWebhook) verifySignature(payload []byte, signatureHeader string) error {
	secret := strings.TrimSpace(s.Config.Billing.StripeWebhookSecret)
	if secret == "" {
		return errors.New("stripe webhook secret not configured")
	}

	timestamp, signature, err := parseStripeSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}

	signedPayload := []byte(timestamp + "." + string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(signedPayload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid stripe signature")
	}

	tsInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return err
	}
	if delta := s.Now().Sub(time.Unix(tsInt, 0)); delta > 5*time.Minute || delta < -5*time.Minute {
		return errors.New("stripe signature timestamp outside tolerance")
	}
	return nil
}

func parseStripeSignatureHeader(header string) (string, string, error) {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	if ts == "" || sig == "" {
		return "", "", errors.New("invalid stripe signature header")
	}
	return ts, sig, nil
}

func sha256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
