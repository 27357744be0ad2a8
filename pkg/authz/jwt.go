package authz

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures bearer token authentication.
type JWTConfig struct {
	// Secret verifies HS256 tokens. Ignored when PublicKeyPath is set.
	Secret string

	// PublicKeyPath is the path to a PEM-encoded RSA public key for RS256.
	PublicKeyPath string

	// AccountClaim holds the NEAR account id. Default: "sub"
	AccountClaim string

	// RoleClaim holds the caller's role, a string or an array of strings.
	// Supports dot-notation for nested claims. Default: "role"
	RoleClaim string

	// AdminRoleValue is the role that grants administrative actions.
	// Default: "admin"
	AdminRoleValue string

	// Issuer and Audience are validated when set.
	Issuer   string
	Audience string

	// Logger for debugging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// JWTAuthenticator turns verified bearer tokens into identities.
type JWTAuthenticator struct {
	cfg       JWTConfig
	publicKey *rsa.PublicKey
	secret    []byte
}

// NewJWTAuthenticator creates a JWTAuthenticator. Either Secret or
// PublicKeyPath must be set: unverified tokens are never accepted.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if cfg.AccountClaim == "" {
		cfg.AccountClaim = "sub"
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.AdminRoleValue == "" {
		cfg.AdminRoleValue = DefaultAdminRole
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &JWTAuthenticator{cfg: cfg}
	switch {
	case cfg.PublicKeyPath != "":
		key, err := loadRSAPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		a.publicKey = key
		cfg.Logger.Info("JWT authentication: using RS256 verification", "keyPath", cfg.PublicKeyPath)
	case cfg.Secret != "":
		a.secret = []byte(cfg.Secret)
		cfg.Logger.Info("JWT authentication: using HS256 verification")
	default:
		return nil, errors.New("jwt authentication needs a secret or a public key")
	}
	return a, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT public key from %s: %w", path, err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from %s", path)
	}
	parsedKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := parsedKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA (got %T)", parsedKey)
	}
	return rsaKey, nil
}

// Middleware attaches the identity from a valid bearer token. Requests
// without a token pass through with no identity; a token that fails
// verification is rejected with 401.
func (a *JWTAuthenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := a.Authenticate(token)
			if err != nil {
				a.cfg.Logger.Debug("JWT rejected", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// Authenticate verifies token and extracts the identity from its claims.
func (a *JWTAuthenticator) Authenticate(token string) (Identity, error) {
	claims, err := a.parseClaims(token)
	if err != nil {
		return Identity{}, err
	}
	account, _ := lookupClaim(claims, a.cfg.AccountClaim).(string)
	account = strings.TrimSpace(account)
	if account == "" {
		return Identity{}, fmt.Errorf("token has no %q claim", a.cfg.AccountClaim)
	}
	return Identity{
		Account: account,
		Admin:   claimHasRole(lookupClaim(claims, a.cfg.RoleClaim), a.cfg.AdminRoleValue),
	}, nil
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (a *JWTAuthenticator) parseClaims(tokenString string) (jwt.MapClaims, error) {
	parserOpts := []jwt.ParserOption{}
	if a.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.cfg.Audience))
	}

	if a.publicKey != nil {
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
	} else {
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{"HS256"}))
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if a.publicKey != nil {
			return a.publicKey, nil
		}
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("JWT parse error: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}

// lookupClaim resolves a dot-notation claim path.
func lookupClaim(claims jwt.MapClaims, path string) interface{} {
	var current interface{} = map[string]interface{}(claims)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func claimHasRole(claim interface{}, role string) bool {
	switch v := claim.(type) {
	case string:
		return strings.EqualFold(v, role)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.EqualFold(s, role) {
				return true
			}
		}
	}
	return false
}
