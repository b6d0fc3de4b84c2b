package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// TenantIDKey is the context key for the tenant ID.
const TenantIDKey contextKey = "tenant_id"

// TenantExtractor resolves the tenant of a request. It checks the X-Tenant
// header, then the tenant query parameter, and falls back to defaultTenant.
func TenantExtractor(defaultTenant string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := strings.TrimSpace(r.Header.Get("X-Tenant"))
			if tenant == "" {
				tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
			}
			if tenant == "" {
				tenant = defaultTenant
			}
			ctx := context.WithValue(r.Context(), TenantIDKey, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}
