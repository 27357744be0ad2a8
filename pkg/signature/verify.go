// Package signature verifies payloads signed with a NEAR account's
// ed25519 access keys.
package signature

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
)

const ed25519KeyPrefix = "ed25519:"

var (
	ErrMalformedKey       = errors.New("malformed public key")
	ErrMalformedSignature = errors.New("malformed signature")
)

// SignedPayload is what a wallet returns after signing a message.
type SignedPayload struct {
	// Signature is the base64 encoded ed25519 signature.
	Signature string `json:"signature"`
	// PublicKey is the signing key in NEAR format, "ed25519:<base58>".
	PublicKey string `json:"publicKey"`
}

// KeyResolver returns the public keys (NEAR format) currently bound to an
// account. Implementations talk to the chain and may fail transiently.
type KeyResolver interface {
	AccessKeys(ctx context.Context, accountID string) ([]string, error)
}

// Verifier checks signatures against the claimed identity's access keys.
type Verifier struct {
	keys   KeyResolver
	logger *slog.Logger
}

// NewVerifier creates a Verifier backed by keys.
func NewVerifier(keys KeyResolver, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{keys: keys, logger: logger}
}

// VerifyObject reports whether signed is a valid signature by identity over
// the canonical encoding of payload. Malformed input yields false with a nil
// error; an error is returned only when the key resolver is unavailable.
func (v *Verifier) VerifyObject(ctx context.Context, signed SignedPayload, payload any, identity string) (bool, error) {
	digest, err := ObjectDigest(payload)
	if err != nil {
		v.logger.Debug("signature payload not canonicalizable", "identity", identity, "error", err)
		return false, nil
	}
	return v.verifyDigest(ctx, signed, digest, identity)
}

// VerifyString is VerifyObject for an opaque string payload.
func (v *Verifier) VerifyString(ctx context.Context, signed SignedPayload, payload string, identity string) (bool, error) {
	return v.verifyDigest(ctx, signed, StringDigest(payload), identity)
}

func (v *Verifier) verifyDigest(ctx context.Context, signed SignedPayload, digest []byte, identity string) (bool, error) {
	if identity == "" {
		return false, nil
	}
	pub, err := ParsePublicKey(signed.PublicKey)
	if err != nil {
		return false, nil
	}
	sig, err := decodeSignature(signed.Signature)
	if err != nil {
		return false, nil
	}
	if !ed25519.Verify(pub, digest, sig) {
		return false, nil
	}

	// The key must currently belong to the claimed account.
	want := FormatPublicKey(pub)
	bound, err := v.bound(ctx, identity, want)
	if err != nil {
		return false, err
	}
	if !bound {
		if f, ok := v.keys.(forgetter); ok {
			// The key may have been added after the account was cached.
			f.Forget(identity)
			if bound, err = v.bound(ctx, identity, want); err != nil {
				return false, err
			}
		}
	}
	if !bound {
		v.logger.Info("signing key not bound to identity", "identity", identity, "publicKey", want)
	}
	return bound, nil
}

type forgetter interface {
	Forget(accountID string)
}

func (v *Verifier) bound(ctx context.Context, identity, key string) (bool, error) {
	keys, err := v.keys.AccessKeys(ctx, identity)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

// ParsePublicKey decodes a NEAR formatted ed25519 key. A bare base58 key
// without the curve prefix is accepted.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ":") {
		if !strings.HasPrefix(s, ed25519KeyPrefix) {
			return nil, ErrMalformedKey
		}
		s = strings.TrimPrefix(s, ed25519KeyPrefix)
	}
	raw := base58.Decode(s)
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrMalformedKey
	}
	return ed25519.PublicKey(raw), nil
}

// FormatPublicKey renders pub as "ed25519:<base58>".
func FormatPublicKey(pub ed25519.PublicKey) string {
	return ed25519KeyPrefix + base58.Encode(pub)
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrMalformedSignature
	}
	sig, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		sig, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, ErrMalformedSignature
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, ErrMalformedSignature
	}
	return sig, nil
}
