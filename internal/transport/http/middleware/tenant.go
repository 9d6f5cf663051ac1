package middleware

import (
	"context"
	"net/http"

	"github.com/go-auth-gateway/internal/pkg/validate"
)

const (
	HeaderTenantID  = "X-Tenant-Id"
	HeaderSessionID = "X-Session-Id"
)

type contextKey string

const (
	tenantKey  contextKey = "tenant"
	claimsKey  contextKey = "claims"
	sessionKey contextKey = "session"
)

// Tenant rejects requests without a well-formed X-Tenant-Id and stores the
// tenant in the request context.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(HeaderTenantID)
		if err := validate.TenantID(tenantID); err != nil {
			WriteEnvelope(w, http.StatusBadRequest, OperationName(r), "missing or invalid "+HeaderTenantID+" header", nil)
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantFromContext returns the tenant set by Tenant.
func TenantFromContext(ctx context.Context) string {
	s, _ := ctx.Value(tenantKey).(string)
	return s
}
