// Package receipts builds the schema-tagged JSON documents satline emits:
// issue receipts, settlement receipts, default notices, and payment attempt
// receipts.
//
// Every document carries a canonical_json_sha256 computed over the sorted-key
// JSON encoding of its other fields, a short id derived from that digest with
// a receipt-kind prefix, and an optional Ed25519 signature block. Two
// logically identical documents always hash to the same digest and id.
package receipts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Meshline-Labs/satline/pkg/canonical"
	"github.com/Meshline-Labs/satline/pkg/signing"
)

// Document schema tags.
const (
	SchemaIssueReceipt      = "satline.envelope_issue_receipt.v1"
	SchemaSettlementReceipt = "satline.envelope_settlement_receipt.v1"
	SchemaDefaultNotice     = "satline.default_notice.v1"
	SchemaPaymentAttempt    = "satline.payment_attempt_receipt.v1"
)

// Receipt-kind id prefixes.
const (
	kindIssue         = "rcpt_issue"
	kindSettlement    = "rcpt_settle"
	kindDefaultNotice = "notice_default"
	kindPayAttempt    = "rcpt_pay"
)

// Fields excluded from the canonical digest: the digest itself, the signature
// over it, and the ids derived from it.
var sealedFields = []string{"canonical_json_sha256", "signature", "receipt_id", "notice_id"}

// digest computes the canonical hash of a document, ignoring sealed fields.
func digest(doc interface{}) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("receipts: marshal document: %w", err)
	}
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return "", fmt.Errorf("receipts: decode document: %w", err)
	}
	for _, f := range sealedFields {
		delete(m, f)
	}
	return canonical.Hash(m)
}

// verify recomputes the digest and checks it (and the signature, if present)
// against the stored values.
func verify(doc interface{}, storedHash string, sig *signing.Block) (bool, error) {
	want, err := digest(doc)
	if err != nil {
		return false, err
	}
	if want != storedHash {
		return false, nil
	}
	if sig == nil {
		return true, nil
	}
	if sig.SignedSHA256 != storedHash {
		return false, nil
	}
	return signing.Verify(sig)
}

// IssueReceipt proves an offer was bound to a provider and an Accepted
// envelope baseline was published.
type IssueReceipt struct {
	Schema              string         `json:"schema"`
	ReceiptID           string         `json:"receipt_id"`
	EnvelopeID          string         `json:"envelope_id"`
	OfferID             string         `json:"offer_id"`
	ProviderID          string         `json:"provider_id"`
	BorrowerPubkey      string         `json:"borrower_pubkey"`
	IssuerPubkey        string         `json:"issuer_pubkey"`
	MaxSats             int64          `json:"max_sats"`
	Expiry              time.Time      `json:"expiry"`
	IssuedAt            time.Time      `json:"issued_at"`
	CanonicalJSONSHA256 string         `json:"canonical_json_sha256"`
	Signature           *signing.Block `json:"signature,omitempty"`
}

// Verify recomputes the receipt digest and signature.
func (r *IssueReceipt) Verify() (bool, error) {
	return verify(r, r.CanonicalJSONSHA256, r.Signature)
}

// SettlementReceipt proves a successful payment attempt for an envelope,
// carrying the wallet-side payment proof.
type SettlementReceipt struct {
	Schema                  string         `json:"schema"`
	ReceiptID               string         `json:"receipt_id"`
	EnvelopeID              string         `json:"envelope_id"`
	Outcome                 string         `json:"outcome"`
	InvoiceHash             string         `json:"invoice_hash"`
	QuotedAmountMsats       int64          `json:"quoted_amount_msats"`
	SettledAmountMsats      int64          `json:"settled_amount_msats"`
	ProviderHost            string         `json:"provider_host,omitempty"`
	WalletReceiptID         string         `json:"wallet_receipt_id,omitempty"`
	WalletCanonicalSHA256   string         `json:"wallet_canonical_json_sha256,omitempty"`
	WalletPreimageSHA256    string         `json:"wallet_preimage_sha256,omitempty"`
	VerificationReceiptHash string         `json:"verification_receipt_hash,omitempty"`
	SettledAt               time.Time      `json:"settled_at"`
	CanonicalJSONSHA256     string         `json:"canonical_json_sha256"`
	Signature               *signing.Block `json:"signature,omitempty"`
}

// Verify recomputes the receipt digest and signature.
func (r *SettlementReceipt) Verify() (bool, error) {
	return verify(r, r.CanonicalJSONSHA256, r.Signature)
}

// DefaultNotice records a deterministic non-payment outcome: an envelope that
// expired or failed verification before any payment attempt.
type DefaultNotice struct {
	Schema              string         `json:"schema"`
	NoticeID            string         `json:"notice_id"`
	EnvelopeID          string         `json:"envelope_id"`
	Outcome             string         `json:"outcome"`
	Reason              string         `json:"reason"`
	OccurredAt          time.Time      `json:"occurred_at"`
	CanonicalJSONSHA256 string         `json:"canonical_json_sha256"`
	Signature           *signing.Block `json:"signature,omitempty"`
}

// Verify recomputes the notice digest and signature.
func (n *DefaultNotice) Verify() (bool, error) {
	return verify(n, n.CanonicalJSONSHA256, n.Signature)
}

// PaymentAttemptReceipt summarizes one settlement attempt for an envelope,
// regardless of outcome. It is the document stored per idempotency key.
type PaymentAttemptReceipt struct {
	Schema              string         `json:"schema"`
	ReceiptID           string         `json:"receipt_id"`
	EnvelopeID          string         `json:"envelope_id"`
	IdempotencyKey      string         `json:"idempotency_key"`
	Outcome             string         `json:"outcome"`
	InvoiceHash         string         `json:"invoice_hash,omitempty"`
	AttemptedAt         time.Time      `json:"attempted_at"`
	CanonicalJSONSHA256 string         `json:"canonical_json_sha256"`
	Signature           *signing.Block `json:"signature,omitempty"`
}

// Verify recomputes the receipt digest and signature.
func (r *PaymentAttemptReceipt) Verify() (bool, error) {
	return verify(r, r.CanonicalJSONSHA256, r.Signature)
}

// Builder seals and signs receipt documents. A nil signer leaves documents
// unsigned; hashes and ids are still attached.
type Builder struct {
	signer *signing.Ed25519Signer
	clock  func() time.Time
}

// NewBuilder creates a builder. signer may be nil.
func NewBuilder(signer *signing.Ed25519Signer) *Builder {
	return &Builder{signer: signer, clock: time.Now}
}

// WithClock overrides clock for testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) sign(hash string) *signing.Block {
	if b.signer == nil {
		return nil
	}
	return b.signer.SignHash(hash)
}

// Issue seals an issue receipt. IssuedAt is stamped from the builder clock.
func (b *Builder) Issue(r IssueReceipt) (*IssueReceipt, error) {
	r.Schema = SchemaIssueReceipt
	r.IssuedAt = b.clock().UTC()
	hash, err := digest(&r)
	if err != nil {
		return nil, err
	}
	r.CanonicalJSONSHA256 = hash
	r.ReceiptID = canonical.DeriveID(kindIssue, hash)
	r.Signature = b.sign(hash)
	return &r, nil
}

// Settlement seals a settlement receipt.
func (b *Builder) Settlement(r SettlementReceipt) (*SettlementReceipt, error) {
	r.Schema = SchemaSettlementReceipt
	r.SettledAt = b.clock().UTC()
	hash, err := digest(&r)
	if err != nil {
		return nil, err
	}
	r.CanonicalJSONSHA256 = hash
	r.ReceiptID = canonical.DeriveID(kindSettlement, hash)
	r.Signature = b.sign(hash)
	return &r, nil
}

// Notice seals a default notice.
func (b *Builder) Notice(n DefaultNotice) (*DefaultNotice, error) {
	n.Schema = SchemaDefaultNotice
	n.OccurredAt = b.clock().UTC()
	hash, err := digest(&n)
	if err != nil {
		return nil, err
	}
	n.CanonicalJSONSHA256 = hash
	n.NoticeID = canonical.DeriveID(kindDefaultNotice, hash)
	n.Signature = b.sign(hash)
	return &n, nil
}

// PaymentAttempt seals a payment attempt receipt.
func (b *Builder) PaymentAttempt(r PaymentAttemptReceipt) (*PaymentAttemptReceipt, error) {
	r.Schema = SchemaPaymentAttempt
	r.AttemptedAt = b.clock().UTC()
	hash, err := digest(&r)
	if err != nil {
		return nil, err
	}
	r.CanonicalJSONSHA256 = hash
	r.ReceiptID = canonical.DeriveID(kindPayAttempt, hash)
	r.Signature = b.sign(hash)
	return &r, nil
}
