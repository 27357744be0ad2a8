// Package hashproposal derives the salted commitment that binds a milestone's
// budget and position to the on-chain funding proposal.
package hashproposal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

// domainTag separates these commitments from any other SHA-256 usage.
const domainTag = "grantledger/hash-proposal/v1"

// Salt is the per-application secret mixed into every commitment.
// Its String and MarshalJSON forms are redacted.
type Salt string

// String implements fmt.Stringer without revealing the value.
func (Salt) String() string { return "[redacted]" }

// GoString keeps %#v from leaking the value.
func (Salt) GoString() string { return "[redacted]" }

// MarshalJSON always encodes the salt as a redacted placeholder.
func (Salt) MarshalJSON() ([]byte, error) { return []byte(`"[redacted]"`), nil }

// Reveal returns the raw salt. Only persistence and Compute should call it.
func (s Salt) Reveal() string { return string(s) }

// NewSalt returns 32 random bytes, hex encoded.
func NewSalt() (Salt, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return Salt(hex.EncodeToString(buf)), nil
}

// Compute returns the lowercase hex SHA-256 commitment for a milestone.
// position is the 1-based milestone position within its application.
func Compute(salt Salt, identity string, budget decimal.Decimal, position int) string {
	h := sha256.New()
	writeField(h, []byte(domainTag))
	writeField(h, []byte(salt))
	writeField(h, []byte(identity))
	writeField(h, []byte(budget.String()))

	var pos [8]byte
	binary.BigEndian.PutUint64(pos[:], uint64(position))
	h.Write(pos[:])

	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes b so adjacent fields cannot be shifted into
// each other ("ab"+"c" vs "a"+"bc").
func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
