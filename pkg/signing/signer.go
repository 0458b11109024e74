// Package signing provides Ed25519 signing for satline receipts.
//
// Signatures are attached as a structured block alongside a canonical hash,
// so a verifier can recompute the hash and check the signature independently.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SchemeEd25519 is the only signature scheme currently issued.
const SchemeEd25519 = "ed25519"

// Block is the signature attachment carried by signed documents.
type Block struct {
	Scheme       string `json:"scheme"`
	Signer       string `json:"signer"`
	SignedSHA256 string `json:"signed_sha256"`
	SignatureHex string `json:"signature_hex"`
}

// Ed25519Signer signs canonical hashes with an Ed25519 key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, KeyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

// PublicKey returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// SignHash signs a canonical SHA-256 hex digest, returning the signature block.
// The signature covers the ASCII hex digest bytes.
func (s *Ed25519Signer) SignHash(sha256Hex string) *Block {
	sig := ed25519.Sign(s.privKey, []byte(sha256Hex))
	return &Block{
		Scheme:       SchemeEd25519,
		Signer:       s.PublicKey(),
		SignedSHA256: sha256Hex,
		SignatureHex: hex.EncodeToString(sig),
	}
}

// Verify checks a signature block against the digest it claims to sign.
func Verify(b *Block) (bool, error) {
	if b == nil {
		return false, fmt.Errorf("signing: nil signature block")
	}
	if b.Scheme != SchemeEd25519 {
		return false, fmt.Errorf("signing: unsupported scheme %q", b.Scheme)
	}
	pubKey, err := hex.DecodeString(b.Signer)
	if err != nil {
		return false, fmt.Errorf("signing: invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("signing: invalid public key size %d", len(pubKey))
	}
	sig, err := hex.DecodeString(b.SignatureHex)
	if err != nil {
		return false, fmt.Errorf("signing: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), []byte(b.SignedSHA256), sig), nil
}
