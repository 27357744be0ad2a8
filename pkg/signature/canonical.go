package signature

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Canonicalize renders payload as canonical JSON: object keys sorted,
// no insignificant whitespace, numbers kept verbatim and no HTML escaping.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode payload: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Maps are emitted with sorted keys.
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ObjectDigest is the SHA-256 of the canonical encoding of payload.
func ObjectDigest(payload any) ([]byte, error) {
	b, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// StringDigest is the SHA-256 of the UTF-8 bytes of s.
func StringDigest(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}
