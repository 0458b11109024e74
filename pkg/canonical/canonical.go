// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization and SHA-256 digests for satline records and receipts.
//
// Every receipt id and content hash in the system is derived here, so two
// observers of the same logical record always compute identical identifiers.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with the standard library (so json struct tags are
// respected), then transformed into canonical form: keys sorted by UTF-8
// bytes, no HTML escaping, ES6 number formatting.
func Marshal(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON representation of v.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns the hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString computes the SHA-256 hex digest of a string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// idPrefixLen is how many hex characters of the digest go into a derived id.
const idPrefixLen = 16

// DeriveID builds a short, stable identifier from a kind tag and a hex digest,
// e.g. DeriveID("rcpt_settle", digest) -> "rcpt_settle_3f91c2...".
func DeriveID(kind, hexDigest string) string {
	if len(hexDigest) > idPrefixLen {
		hexDigest = hexDigest[:idPrefixLen]
	}
	return kind + "_" + hexDigest
}
