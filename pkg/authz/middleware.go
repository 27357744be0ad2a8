package authz

import (
	"encoding/json"
	"net/http"
)

// RequireAccount returns middleware that rejects requests without an
// authenticated account.
func RequireAccount() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, ok := IdentityFromContext(r.Context()); !ok || id.Account == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "a NEAR account is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin returns middleware that only admits administrators.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok || id.Account == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "a NEAR account is required")
				return
			}
			if !id.Admin {
				writeAuthError(w, http.StatusForbidden, "forbidden", "administrator role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
