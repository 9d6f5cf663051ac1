package middleware

import (
	"context"
	"net/http"
	"strings"

	jwtinfra "github.com/go-auth-gateway/internal/infrastructure/jwt"
)

// TokenVerifier checks an access token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*jwtinfra.Claims, error)
}

// SessionID resolves the caller's session id. With a verifier it must come
// from a Bearer token whose tenant matches X-Tenant-Id; without one it is read
// from X-Session-Id. Must run after Tenant.
func SessionID(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := OperationName(r)
			ctx := r.Context()
			var sessionID string
			if verifier != nil {
				authHeader := r.Header.Get("Authorization")
				if !strings.HasPrefix(authHeader, "Bearer ") {
					WriteEnvelope(w, http.StatusUnauthorized, op, "missing or invalid authorization header", nil)
					return
				}
				claims, err := verifier.Verify(strings.TrimPrefix(authHeader, "Bearer "))
				if err != nil {
					WriteEnvelope(w, http.StatusUnauthorized, op, "invalid token", nil)
					return
				}
				if claims.TenantID != TenantFromContext(ctx) {
					WriteEnvelope(w, http.StatusUnauthorized, op, "token issued for another tenant", nil)
					return
				}
				sessionID = claims.SessionID
				ctx = context.WithValue(ctx, claimsKey, claims)
			} else {
				sessionID = r.Header.Get(HeaderSessionID)
				if sessionID == "" {
					WriteEnvelope(w, http.StatusUnauthorized, op, "missing "+HeaderSessionID+" header", nil)
					return
				}
			}
			ctx = context.WithValue(ctx, sessionKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionIDFromContext returns the session id set by SessionID.
func SessionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey).(string)
	return s
}

// ClaimsFromContext extracts JWT claims from the request context.
func ClaimsFromContext(ctx context.Context) (*jwtinfra.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwtinfra.Claims)
	return c, ok
}
