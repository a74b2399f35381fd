package auth

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"autoos/internal/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// ScopeAdmin gates administrative operations (revocation, forced expiry).
const ScopeAdmin = "autoos:admin"

type Service struct {
	Config config.Config
	Now    func() time.Time
}

func NewService(cfg config.Config) *Service {
	return &Service{
		Config: cfg,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// AuthenticateRequest resolves the caller identity from either a bearer JWT
// or the deployment API key. The API key is the operator bootstrap path and
// carries every scope.
func (s *Service) AuthenticateRequest(r *http.Request) (Principal, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return s.VerifyJWT(authHeader)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return s.VerifyAPIKey(key)
	}
	return Principal{}, ErrUnauthorized
}

func (s *Service) VerifyJWT(authHeader string) (Principal, error) {
	headerParts := strings.Fields(authHeader)
	if len(headerParts) != 2 || !strings.EqualFold(headerParts[0], "Bearer") {
		return Principal{}, ErrUnauthorized
	}
	rawToken := strings.TrimSpace(headerParts[1])

	signingKey := []byte(s.Config.Security.TokenSigningKey)
	if len(signingKey) == 0 {
		return Principal{}, fmt.Errorf("%w: token signing key not configured", ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.Now),
	}
	if iss := strings.TrimSpace(s.Config.Auth.Issuer); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(s.Config.Auth.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}

	parsed, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return Principal{}, ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrUnauthorized
	}

	userID := claimString(claims["user_id"])
	if userID == "" {
		userID = claimString(claims["sub"])
	}
	if userID == "" {
		return Principal{}, ErrUnauthorized
	}

	return Principal{
		UserID:     userID,
		Tier:       claimString(claims["tier"]),
		Scopes:     extractScopes(claims["scope"]),
		AuthMethod: "jwt",
	}, nil
}

// VerifyAPIKey compares against the configured deployment key in constant
// time. The key principal has no user identity and unrestricted scope.
func (s *Service) VerifyAPIKey(key string) (Principal, error) {
	configured := strings.TrimSpace(s.Config.Security.APIKey)
	if configured == "" {
		return Principal{}, ErrUnauthorized
	}
	if !hmac.Equal([]byte(configured), []byte(key)) {
		return Principal{}, ErrUnauthorized
	}
	return Principal{
		Scopes:     []string{"*"},
		AuthMethod: "api_key",
	}, nil
}

func (s *Service) ValidateScopes(principal Principal, requiredScope string) error {
	if requiredScope == "" {
		return nil
	}
	for _, scope := range principal.Scopes {
		if scope == "*" || scope == requiredScope {
			return nil
		}
		if strings.HasSuffix(scope, ".*") {
			prefix := strings.TrimSuffix(scope, ".*")
			if strings.HasPrefix(requiredScope, prefix+".") {
				return nil
			}
		}
	}
	return ErrForbidden
}

func claimString(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	default:
		return ""
	}
}

func extractScopes(claim any) []string {
	var scopes []string
	switch value := claim.(type) {
	case string:
		for _, item := range strings.Fields(value) {
			if item != "" {
				scopes = append(scopes, item)
			}
		}
	case []any:
		for _, item := range value {
			if scope := claimString(item); scope != "" {
				scopes = append(scopes, scope)
			}
		}
	case []string:
		for _, item := range value {
			if item != "" {
				scopes = append(scopes, item)
			}
		}
	}
	return scopes
}
