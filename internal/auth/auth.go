// Package auth verifies JWT Bearer tokens for routes that require it.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/evbridge/telebridge/internal/apierror"
	"github.com/evbridge/telebridge/internal/config"
	"github.com/evbridge/telebridge/internal/metrics"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// ClaimsKey is the context key used to store validated JWT claims.
const ClaimsKey contextKey = "jwt_claims"

// Claims represents the validated JWT claims injected into the request context.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
}

// Verifier checks bearer tokens against the configured issuer, audience,
// signing secret, and required scopes.
type Verifier struct {
	cfg    config.AuthConfig
	logger *slog.Logger
}

// NewVerifier builds a Verifier from auth config.
func NewVerifier(cfg config.AuthConfig, logger *slog.Logger) *Verifier {
	return &Verifier{cfg: cfg, logger: logger}
}

// Enabled reports whether auth is configured at all. When disabled, the
// dispatcher skips authentication even on routes marked auth_required.
func (v *Verifier) Enabled() bool { return v.cfg.Enabled }

// Authenticate extracts and verifies the bearer token on a request. On
// success the returned context carries the claims.
func (v *Verifier) Authenticate(r *http.Request) (context.Context, *Claims, error) {
	tokenStr, ok := ExtractBearerToken(r)
	if !ok {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		return r.Context(), nil, apierror.New(apierror.KindAuth, apierror.CodeAuthMissing,
			"missing or malformed Authorization header")
	}

	claims, err := v.Verify(tokenStr)
	if err != nil {
		v.logger.Warn("auth failure", "error", err, "path", r.URL.Path)
		return r.Context(), nil, err
	}

	return context.WithValue(r.Context(), ClaimsKey, claims), claims, nil
}

// Verify parses and validates a raw token string.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		return nil, apierror.Wrap(apierror.KindAuth, apierror.CodeAuthInvalid, "invalid token", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		return nil, apierror.New(apierror.KindAuth, apierror.CodeAuthInvalid, "invalid token claims")
	}

	claims := &Claims{}

	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if iss, ok := mapClaims["iss"].(string); ok {
		claims.Issuer = iss
	}

	// Handle audience — can be string or []interface{}
	switch aud := mapClaims["aud"].(type) {
	case string:
		claims.Audience = aud
	case []interface{}:
		if len(aud) > 0 {
			if s, ok := aud[0].(string); ok {
				claims.Audience = s
			}
		}
	}

	// Parse scopes — space-separated string per OAuth2 spec
	if scopeStr, ok := mapClaims["scope"].(string); ok {
		claims.Scopes = strings.Fields(scopeStr)
	}

	// Validate required scopes
	if len(v.cfg.Scopes) > 0 {
		scopeSet := make(map[string]bool, len(claims.Scopes))
		for _, s := range claims.Scopes {
			scopeSet[s] = true
		}
		for _, required := range v.cfg.Scopes {
			if !scopeSet[required] {
				metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
				return nil, &apierror.Error{
					Kind:    apierror.KindAuth,
					Code:    apierror.CodeAuthScope,
					Message: fmt.Sprintf("missing required scope: %s", required),
					Status:  http.StatusForbidden,
				}
			}
		}
	}

	return claims, nil
}

// ExtractBearerToken pulls the token out of the Authorization header.
func ExtractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// FromContext returns the claims stored by Authenticate, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}
