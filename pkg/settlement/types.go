package settlement

import (
	"errors"
	"time"

	"github.com/Meshline-Labs/satline/pkg/receipts"
	"github.com/Meshline-Labs/satline/pkg/scope"
)

// Outcome is the terminal result of a settlement attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeExpired Outcome = "expired"
)

var (
	// ErrConflict means an idempotency key was replayed with a different
	// payload. The original value is authoritative and unchanged.
	ErrConflict = errors.New("settlement: idempotency key replayed with different payload")

	// ErrOfferNotFound means no offer exists for the given id.
	ErrOfferNotFound = errors.New("settlement: offer not found")

	// ErrOfferExpired means the offer's expiry has passed.
	ErrOfferExpired = errors.New("settlement: offer expired")

	// ErrEnvelopeNotFound means the authority state has no current record for
	// the envelope.
	ErrEnvelopeNotFound = errors.New("settlement: envelope not found")
)

// OfferRequest asks the service to propose credit terms.
type OfferRequest struct {
	IdempotencyKey      string    `json:"idempotency_key,omitempty"`
	AgentPubkey         string    `json:"agent_pubkey"`
	PoolID              string    `json:"pool_id"`
	Scope               scope.Ref `json:"scope"`
	MaxSats             int64     `json:"max_sats"`
	FeeBps              int64     `json:"fee_bps"`
	RequireVerification bool      `json:"require_verification"`
	Expiry              time.Time `json:"expiry"`
}

// CreditOffer is the issuer-proposed credit terms. Immutable once created;
// expires naturally at Expiry.
type CreditOffer struct {
	OfferID             string    `json:"offer_id"`
	AgentPubkey         string    `json:"agent_pubkey"`
	PoolID              string    `json:"pool_id"`
	Scope               scope.Ref `json:"scope"`
	MaxSats             int64     `json:"max_sats"`
	FeeBps              int64     `json:"fee_bps"`
	RequireVerification bool      `json:"require_verification"`
	Expiry              time.Time `json:"expiry"`
	CreatedAt           time.Time `json:"created_at"`
}

// SettleRequest asks the service to settle an accepted envelope.
type SettleRequest struct {
	EnvelopeID              string            `json:"envelope_id"`
	VerificationPassed      bool              `json:"verification_passed"`
	VerificationReceiptHash string            `json:"verification_receipt_hash,omitempty"`
	ProviderInvoice         string            `json:"provider_invoice"`
	ProviderHost            string            `json:"provider_host,omitempty"`
	AmountMsats             int64             `json:"amount_msats"`
	MaxFeeMsats             int64             `json:"max_fee_msats"`
	PolicyContext           map[string]string `json:"policy_context,omitempty"`
}

// SettlementResult is the stored outcome of the single settlement attempt for
// an envelope. Immutable after first write; replays return it verbatim.
type SettlementResult struct {
	EnvelopeID         string                          `json:"envelope_id"`
	IdempotencyKey     string                          `json:"idempotency_key"`
	Outcome            Outcome                         `json:"outcome"`
	InvoiceHash        string                          `json:"invoice_hash,omitempty"`
	QuotedAmountMsats  int64                           `json:"quoted_amount_msats,omitempty"`
	SettledAmountMsats int64                           `json:"settled_amount_msats,omitempty"`
	Attempt            *receipts.PaymentAttemptReceipt `json:"attempt,omitempty"`
	Receipt            *receipts.SettlementReceipt     `json:"receipt,omitempty"`
	Notice             *receipts.DefaultNotice         `json:"notice,omitempty"`
	CreatedAt          time.Time                       `json:"created_at"`
}

// Policy bounds offers. Loaded from configuration; see pkg/config.
type Policy struct {
	MinFeeBps    int64
	MaxFeeBps    int64
	MaxOfferSats int64
	MaxOfferTTL  time.Duration
}

// DefaultPolicy returns conservative bounds.
func DefaultPolicy() Policy {
	return Policy{
		MinFeeBps:    0,
		MaxFeeBps:    2_000,
		MaxOfferSats: 1_000_000,
		MaxOfferTTL:  7 * 24 * time.Hour,
	}
}
