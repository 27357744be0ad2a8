// Package authz authenticates the NEAR account behind a request and
// carries it through the request context.
package authz

import (
	"context"
	"net/http"
	"strings"
)

// identityCtxKey is an unexported type used as the context key for Identity.
type identityCtxKey struct{}

// Identity is the authenticated account making a request.
type Identity struct {
	// Account is the NEAR account id, e.g. "alice.near".
	Account string
	// Admin grants administrative actions such as milestone validation.
	Admin bool
}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the zero value and false if no identity is set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// HeaderMiddleware returns HTTP middleware that trusts the X-Near-Account-Id
// and X-Grant-Role headers set by a fronting proxy. Requests without an
// account header pass through with no identity. For development only.
func HeaderMiddleware(adminRole string) func(http.Handler) http.Handler {
	if adminRole == "" {
		adminRole = DefaultAdminRole
	}
	return headerMiddleware(adminRole, true)
}

// AccountHeaderMiddleware trusts only X-Near-Account-Id. X-Grant-Role is
// ignored, so no request is an administrator.
func AccountHeaderMiddleware() func(http.Handler) http.Handler {
	return headerMiddleware("", false)
}

func headerMiddleware(adminRole string, trustRoles bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account := strings.TrimSpace(r.Header.Get("X-Near-Account-Id"))
			if account == "" {
				next.ServeHTTP(w, r)
				return
			}

			admin := trustRoles && hasRole(r.Header.Get("X-Grant-Role"), adminRole)
			ctx := WithIdentity(r.Context(), Identity{Account: account, Admin: admin})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// hasRole reports whether the comma separated header lists role.
func hasRole(header, role string) bool {
	for _, r := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}
