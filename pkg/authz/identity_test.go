package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentityContextRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		identity Identity
	}{
		{
			name:     "owner",
			identity: Identity{Account: "alice.near"},
		},
		{
			name:     "admin",
			identity: Identity{Account: "ops.near", Admin: true},
		},
		{
			name:     "empty account",
			identity: Identity{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithIdentity(context.Background(), tt.identity)
			got, ok := IdentityFromContext(ctx)
			if !ok {
				t.Fatal("expected identity in context, got none")
			}
			if got != tt.identity {
				t.Errorf("identity = %+v, want %+v", got, tt.identity)
			}
		})
	}
}

func TestIdentityFromContextMissing(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	if ok {
		t.Error("expected no identity in empty context")
	}
}

func TestHeaderMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		account     string
		role        string
		wantOK      bool
		wantAccount string
		wantAdmin   bool
	}{
		{
			name:        "account only",
			account:     "alice.near",
			wantOK:      true,
			wantAccount: "alice.near",
		},
		{
			name:        "admin role",
			account:     "ops.near",
			role:        "reviewer, Admin",
			wantOK:      true,
			wantAccount: "ops.near",
			wantAdmin:   true,
		},
		{
			name:        "other role",
			account:     "bob.near",
			role:        "reviewer",
			wantOK:      true,
			wantAccount: "bob.near",
		},
		{
			name:   "no account header",
			role:   "admin",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				got   Identity
				gotOK bool
			)
			handler := HeaderMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, gotOK = IdentityFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.account != "" {
				req.Header.Set("X-Near-Account-Id", tt.account)
			}
			if tt.role != "" {
				req.Header.Set("X-Grant-Role", tt.role)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if gotOK != tt.wantOK {
				t.Fatalf("identity present = %v, want %v", gotOK, tt.wantOK)
			}
			if got.Account != tt.wantAccount {
				t.Errorf("Account = %q, want %q", got.Account, tt.wantAccount)
			}
			if got.Admin != tt.wantAdmin {
				t.Errorf("Admin = %v, want %v", got.Admin, tt.wantAdmin)
			}
		})
	}
}

func TestAccountHeaderMiddleware_IgnoresRole(t *testing.T) {
	var (
		got   Identity
		gotOK bool
	)
	handler := AccountHeaderMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, gotOK = IdentityFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Near-Account-Id", "mallory.near")
	req.Header.Set("X-Grant-Role", DefaultAdminRole)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !gotOK {
		t.Fatal("expected an identity")
	}
	if got.Account != "mallory.near" {
		t.Errorf("Account = %q, want %q", got.Account, "mallory.near")
	}
	if got.Admin {
		t.Error("X-Grant-Role must not grant admin")
	}
}
