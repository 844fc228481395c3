// Package canonical produces RFC 8785 canonical JSON and stable
// fingerprints over it. Two payloads that differ only in key order,
// whitespace, or number spelling canonicalize to the same bytes and
// therefore the same fingerprint.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrNotCanonicalizable is returned when a value cannot be represented
// as canonical JSON.
var ErrNotCanonicalizable = errors.New("canonical: value not canonicalizable")

// Canonicalize marshals v and returns its RFC 8785 canonical form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}
	return CanonicalizeRaw(raw)
}

// CanonicalizeRaw transforms already-encoded JSON into canonical form.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}
	return out, nil
}

// Fingerprint returns the lowercase hex SHA-256 of v's canonical form.
func Fingerprint(v any) (string, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// FingerprintRaw returns the lowercase hex SHA-256 of raw JSON's
// canonical form.
func FingerprintRaw(raw []byte) (string, error) {
	c, err := CanonicalizeRaw(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}
