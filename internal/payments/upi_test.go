package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"autoos/internal/config"
)

func TestNewPaymentRefShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ref := NewPaymentRef()
		if !strings.HasPrefix(ref, "qr_") || len(ref) != len("qr_")+16 {
			t.Fatalf("unexpected payment ref shape: %q", ref)
		}
		if seen[ref] {
			t.Fatalf("duplicate payment ref: %q", ref)
		}
		seen[ref] = true
	}
}

func TestPaymentURIEncoding(t *testing.T) {
	cfg := config.Default()
	cfg.UPI.MerchantVPA = "autoos@upi"
	cfg.UPI.MerchantName = "AUTOOS"

	uri := PaymentURI(cfg, "qr_abc123", 49900, "AUTOOS professional")
	if !strings.HasPrefix(uri, "upi://pay?") {
		t.Fatalf("expected upi://pay prefix, got %q", uri)
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	q := parsed.Query()
	if q.Get("pa") != "autoos@upi" || q.Get("pn") != "AUTOOS" {
		t.Fatalf("merchant fields wrong: %q", uri)
	}
	if q.Get("am") != "499.00" {
		t.Fatalf("expected amount 499.00, got %q", q.Get("am"))
	}
	if q.Get("cu") != "INR" || q.Get("tr") != "qr_abc123" {
		t.Fatalf("currency or reference wrong: %q", uri)
	}
}

func TestNormalizeUPIStatus(t *testing.T) {
	cases := map[string]string{
		"PENDING":   StatusPending,
		"initiated": StatusPending,
		"SUCCESS":   StatusSucceeded,
		"completed": StatusSucceeded,
		"captured":  StatusSucceeded,
		"declined":  StatusFailed,
		"TIMEOUT":   StatusExpired,
		"expired":   StatusExpired,
	}
	for raw, want := range cases {
		got, err := normalizeUPIStatus(raw)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s err=%v", raw, want, got, err)
		}
	}
	if _, err := normalizeUPIStatus("banana"); err == nil {
		t.Fatalf("unknown gateway status must be an error")
	}
}

func TestPollStatusHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/payments/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"payment_ref": "qr_live_1",
			"status": "completed",
			"amount_minor": 19900,
			"currency": "inr",
			"user_id": "user-1",
			"tier": "student"
		}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.UPI.GatewayURL = srv.URL
	provider := NewUPIProvider(cfg)

	ev, err := provider.PollStatus(context.Background(), "qr_live_1")
	if err != nil {
		t.Fatalf("poll status: %v", err)
	}
	if ev.Status != StatusSucceeded || ev.PaymentRef != "qr_live_1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Currency != "INR" || ev.Source != SourceUPI {
		t.Fatalf("expected normalized currency and source, got %+v", ev)
	}
	if ev.UserID != "user-1" || ev.Tier != "student" {
		t.Fatalf("expected passthrough identity fields, got %+v", ev)
	}
}

func TestPollStatusRejectsMalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "completed"}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.UPI.GatewayURL = srv.URL
	provider := NewUPIProvider(cfg)

	if _, err := provider.PollStatus(context.Background(), "qr_bad"); err == nil {
		t.Fatalf("reply missing payment_ref must fail validation")
	}
}

func TestPollStatusRejectsMismatchedRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payment_ref": "qr_other", "status": "completed"}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.UPI.GatewayURL = srv.URL
	provider := NewUPIProvider(cfg)

	if _, err := provider.PollStatus(context.Background(), "qr_queried"); err == nil {
		t.Fatalf("reply for a different reference must be rejected")
	}
}

func TestPollStatusSlowGatewayIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.UPI.GatewayURL = srv.URL
	cfg.Payments.PollTimeout = 20 * time.Millisecond
	provider := NewUPIProvider(cfg)

	if _, err := provider.PollStatus(context.Background(), "qr_slow"); !errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", err)
	}
}

func TestPollStatusGatewayErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.UPI.GatewayURL = srv.URL
	provider := NewUPIProvider(cfg)

	if _, err := provider.PollStatus(context.Background(), "qr_500"); err == nil {
		t.Fatalf("expected non-200 gateway reply to fail")
	}
}
