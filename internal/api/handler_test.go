package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"autoos/internal/auth"
	"autoos/internal/config"
	"autoos/internal/entitlements"
)

func newTestHandler(t *testing.T, cfg config.Config) *Handler {
	t.Helper()
	authSvc := auth.NewService(cfg)
	entSvc := entitlements.NewService(cfg, nil, nil)
	return NewHandler(cfg, authSvc, entSvc, nil, nil)
}

func TestVerifyRequiresAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Security.APIKey = "ao_test_key"
	handler := newTestHandler(t, cfg)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/codes/verify", strings.NewReader(`{"code":"x"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
}

func TestVerifyMalformedCodeIs400(t *testing.T) {
	cfg := config.Default()
	cfg.Security.APIKey = "ao_test_key"
	handler := newTestHandler(t, cfg)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/codes/verify", strings.NewReader(`{"code":"definitely-not-a-code"}`))
	req.Header.Set("X-API-Key", "ao_test_key")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed code, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestVerifyRateLimitedWithRetryAfter(t *testing.T) {
	cfg := config.Default()
	cfg.Security.APIKey = "ao_test_key"
	handler := newTestHandler(t, cfg)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	// The api_key principal has no tier claim and falls back to trial
	// limits: 10 per minute.
	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/codes/verify", strings.NewReader(`{"code":"bad"}`))
		req.Header.Set("X-API-Key", "ao_test_key")
		last = httptest.NewRecorder()
		mux.ServeHTTP(last, req)
		if i < 10 && last.Code != http.StatusBadRequest {
			t.Fatalf("request %d: expected 400, got %d", i+1, last.Code)
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on 11th request, got %d", last.Code)
	}
	retryAfter := last.Header().Get("Retry-After")
	secs, err := strconv.Atoi(retryAfter)
	if err != nil || secs < 1 || secs > 60 {
		t.Fatalf("expected Retry-After in [1,60] seconds, got %q", retryAfter)
	}
}

func TestAuthenticatedRequestCarriesPrincipal(t *testing.T) {
	cfg := config.Default()
	cfg.Security.TokenSigningKey = "context-test-key"
	handler := newTestHandler(t, cfg)
	handler.Auth.Now = func() time.Time { return time.Unix(1000, 0) }

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "user-ctx",
		"tier": "employee",
		"exp":  2000,
	})
	signed, err := tok.SignedString([]byte(cfg.Security.TokenSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/codes/verify", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	principal, authed, err := handler.authenticatePrincipal(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	got, ok := auth.PrincipalFromContext(authed.Context())
	if !ok {
		t.Fatalf("expected principal in request context")
	}
	if got.UserID != principal.UserID || got.UserID != "user-ctx" || got.Tier != "employee" {
		t.Fatalf("unexpected principal in context: %+v", got)
	}
	if tier := handler.rateTier(authed.Context()); tier != "employee" {
		t.Fatalf("expected rate tier from token claim, got %q", tier)
	}
	if tier := handler.rateTier(context.Background()); tier != entitlements.TierTrial {
		t.Fatalf("expected trial fallback without principal, got %q", tier)
	}
}

func TestRevokeRequiresAdminScope(t *testing.T) {
	cfg := config.Default()
	cfg.Security.TokenSigningKey = "handler-test-key"
	handler := newTestHandler(t, cfg)
	handler.Auth.Now = func() time.Time { return time.Unix(1000, 0) }
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-1",
		"exp":   2000,
		"scope": "autoos:codes.verify",
	})
	signed, err := tok.SignedString([]byte(cfg.Security.TokenSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/entitlements/revoke", strings.NewReader(`{"entitlement_id":"e-1"}`))
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin scope, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	cfg := config.Default()
	cfg.Security.APIKey = "ao_test_key"
	handler := newTestHandler(t, cfg)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/codes/verify", nil)
	req.Header.Set("X-API-Key", "ao_test_key")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
