package tenant

import (
	"context"
	"net/http"
	"strings"
)

// Headers set by the upstream gateway after authentication. The engine trusts them as-is.
const (
	TenantHeader = "X-Tenant-Id"
	ActorHeader  = "X-Actor-Id"
	RoleHeader   = "X-Role"
)

// Context identifies the caller of an operation.
type Context struct {
	TenantID string
	ActorID  string
	Role     string
}

func (c Context) IsAdmin() bool {
	return c.Role == "admin" || c.Role == "owner"
}

type ctxKey int

const ctxKeyTenant ctxKey = iota

func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKeyTenant, tc)
}

func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKeyTenant).(Context)
	if !ok || tc.TenantID == "" {
		return Context{}, false
	}
	return tc, true
}

// FromRequest reads the tenant headers of r.
func FromRequest(r *http.Request) Context {
	return Context{
		TenantID: strings.TrimSpace(r.Header.Get(TenantHeader)),
		ActorID:  strings.TrimSpace(r.Header.Get(ActorHeader)),
		Role:     strings.ToLower(strings.TrimSpace(r.Header.Get(RoleHeader))),
	}
}

// Require rejects requests without a tenant header and stores the tenant context otherwise.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := FromRequest(r)
		if tc.TenantID == "" {
			http.Error(w, "missing "+TenantHeader, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// RequireAdmin is Require plus an admin/owner role check.
func RequireAdmin(next http.Handler) http.Handler {
	return Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, _ := FromContext(r.Context())
		if !tc.IsAdmin() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}))
}
