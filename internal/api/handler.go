package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"autoos/internal/auth"
	"autoos/internal/config"
	"autoos/internal/entitlements"
	"autoos/internal/payments"
)

type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error
}

type Handler struct {
	Config config.Config
	Auth   *auth.Service

	Entitlements *entitlements.Service
	Resolver     *payments.Resolver
	Webhook      WebhookProcessor
}

func NewHandler(cfg config.Config, authSvc *auth.Service, entSvc *entitlements.Service, resolver *payments.Resolver, webhook WebhookProcessor) *Handler {
	return &Handler{
		Config:       cfg,
		Auth:         authSvc,
		Entitlements: entSvc,
		Resolver:     resolver,
		Webhook:      webhook,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/trial/start", h.handleStartTrial)
	mux.HandleFunc("/v1/codes/verify", h.handleVerifyCode)
	mux.HandleFunc("/v1/payments/webhook/stripe", h.handleStripeWebhook)
	mux.HandleFunc("/v1/payments/upi/qr", h.handleCreateUPIPayment)
	mux.HandleFunc("/v1/payments/poll", h.handlePollPayment)
	mux.HandleFunc("/v1/entitlements/current", h.handleCurrentEntitlement)
	mux.HandleFunc("/v1/entitlements/revoke", h.handleRevoke)
}

func (h *Handler) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, r, err := h.authenticatePrincipal(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := h.resolveUserID(r, principal)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ent, err := h.Entitlements.StartTrial(r.Context(), userID)
	if err != nil {
		if errors.Is(err, entitlements.ErrAlreadyTrialed) {
			http.Error(w, "trial already consumed", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_code":       ent.AccessCode.String,
		"tier":              ent.Tier,
		"expires_at":        ent.ExpiresAt,
		"credits_remaining": ent.CreditsRemaining.Int64,
	})
}

func (h *Handler) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, r, err := h.authenticatePrincipal(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	userID := principal.UserID
	if userID == "" {
		userID = "api_key"
	}
	if err := h.Entitlements.CheckRateLimit(userID, h.rateTier(r.Context())); err != nil {
		var rle *entitlements.RateLimitError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rle)))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result, err := h.Entitlements.VerifyCode(r.Context(), strings.TrimSpace(req.Code))
	if err != nil {
		h.writeVerifyError(w, err)
		return
	}

	resp := map[string]any{
		"valid":          true,
		"user_id":        result.Entitlement.UserID,
		"tier":           result.Entitlement.Tier,
		"kind":           result.Entitlement.Kind,
		"expires_at":     result.Entitlement.ExpiresAt,
		"days_remaining": result.DaysRemaining,
	}
	if result.CreditsRemaining.Valid {
		resp["credits_remaining"] = result.CreditsRemaining.Int64
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeVerifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entitlements.ErrInvalidCodeFormat):
		http.Error(w, "invalid code format", http.StatusBadRequest)
	case errors.Is(err, entitlements.ErrCodeNotFound):
		http.Error(w, "code not found", http.StatusNotFound)
	case errors.Is(err, entitlements.ErrEntitlementExpired):
		http.Error(w, "entitlement expired", http.StatusForbidden)
	case errors.Is(err, entitlements.ErrEntitlementRevoked):
		http.Error(w, "entitlement revoked", http.StatusForbidden)
	case errors.Is(err, entitlements.ErrInsufficientCredits):
		http.Error(w, "insufficient credits", http.StatusPaymentRequired)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.Webhook == nil {
		http.Error(w, "billing not configured", http.StatusInternalServerError)
		return
	}
	payload, err := readBody(r)
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	if err := h.Webhook.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) handleCreateUPIPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, r, err := h.authenticatePrincipal(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		UserID      string `json:"user_id"`
		Tier        string `json:"tier"`
		AmountMinor int64  `json:"amount_minor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	userID := principal.UserID
	if userID == "" {
		userID = strings.TrimSpace(req.UserID)
	}
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	qr, err := h.Resolver.CreateUPIPayment(r.Context(), userID, strings.TrimSpace(req.Tier), req.AmountMinor)
	if err != nil {
		if errors.Is(err, entitlements.ErrUnknownTier) {
			http.Error(w, "unknown tier", http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, qr)
}

func (h *Handler) handlePollPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, _, err := h.authenticatePrincipal(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		PaymentRef string `json:"payment_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.PaymentRef = strings.TrimSpace(req.PaymentRef)
	if req.PaymentRef == "" {
		http.Error(w, "missing payment_ref", http.StatusBadRequest)
		return
	}

	status, err := h.Resolver.Poll(r.Context(), req.PaymentRef)
	if err != nil {
		if errors.Is(err, payments.ErrProviderTimeout) {
			http.Error(w, "payment provider timeout", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payment_ref": req.PaymentRef,
		"status":      status,
	})
}

func (h *Handler) handleCurrentEntitlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, r, err := h.authenticatePrincipal(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	userID := principal.UserID
	if qp := strings.TrimSpace(r.URL.Query().Get("user_id")); qp != "" && principal.AuthMethod == "api_key" {
		userID = qp
	}
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	status, err := h.Entitlements.Status(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r, err := h.requireAdmin(r)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		EntitlementID string `json:"entitlement_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.EntitlementID = strings.TrimSpace(req.EntitlementID)
	if req.EntitlementID == "" {
		http.Error(w, "missing entitlement_id", http.StatusBadRequest)
		return
	}

	if err := h.Entitlements.Revoke(r.Context(), req.EntitlementID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "entitlement not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (h *Handler) requireAdmin(r *http.Request) (*http.Request, error) {
	principal, r, err := h.authenticatePrincipal(r)
	if err != nil {
		return r, err
	}
	if err := h.Auth.ValidateScopes(principal, auth.ScopeAdmin); err != nil {
		return r, err
	}
	return r, nil
}

// authenticatePrincipal verifies the caller and returns the request with the
// principal attached to its context for downstream lookups.
func (h *Handler) authenticatePrincipal(r *http.Request) (auth.Principal, *http.Request, error) {
	if h.Auth == nil {
		return auth.Principal{}, r, errors.New("auth service not configured")
	}
	principal, err := h.Auth.AuthenticateRequest(r)
	if err != nil {
		return auth.Principal{}, r, err
	}
	return principal, r.WithContext(auth.WithPrincipal(r.Context(), principal)), nil
}

// resolveUserID takes the caller identity from the token; the api_key
// principal has no identity of its own and must name the user explicitly.
func (h *Handler) resolveUserID(r *http.Request, principal auth.Principal) (string, error) {
	if principal.UserID != "" {
		return principal.UserID, nil
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", errors.New("invalid json")
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return "", errors.New("missing user_id")
	}
	return req.UserID, nil
}

// rateTier picks the tier whose limits bind the caller: the token claim when
// present, otherwise the user's current entitlement, otherwise trial limits.
// The principal is read back from the authenticated request context.
func (h *Handler) rateTier(ctx context.Context) string {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return entitlements.TierTrial
	}
	if principal.Tier != "" {
		return principal.Tier
	}
	if principal.UserID != "" {
		if status, err := h.Entitlements.Status(ctx, principal.UserID); err == nil && status.Tier != "" {
			return status.Tier
		}
	}
	return entitlements.TierTrial
}

func retryAfterSeconds(rle *entitlements.RateLimitError) int {
	secs := int(math.Ceil(rle.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
