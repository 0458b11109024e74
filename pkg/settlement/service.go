// Package settlement orchestrates the credit pipeline: offer, envelope
// issuance, and settlement, with at most one outbound payment attempt per
// envelope across the component's lifetime.
//
// The settle path deliberately separates its idempotency lookup (short
// exclusive section in the store), the outbound payment call (unbounded
// latency, no lock held), and the final first-writer-wins result store.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Meshline-Labs/satline/pkg/canonical"
	"github.com/Meshline-Labs/satline/pkg/envelope"
	"github.com/Meshline-Labs/satline/pkg/receipts"
	"github.com/Meshline-Labs/satline/pkg/signing"
	"github.com/Meshline-Labs/satline/pkg/wallet"
)

type storedOffer struct {
	offer       *CreditOffer
	payloadHash string
}

// Service is the credit settlement service.
type Service struct {
	authority *envelope.AuthorityState
	results   ResultStore
	payer     wallet.Payer
	builder   *receipts.Builder
	issuerKey string
	policy    Policy
	clock     func() time.Time
	tracer    trace.Tracer
	logger    *slog.Logger

	mu          sync.Mutex
	offersByKey map[string]*storedOffer
	offersByID  map[string]*CreditOffer
}

// Deps carries the service's collaborators.
type Deps struct {
	Authority *envelope.AuthorityState
	Results   ResultStore
	Payer     wallet.Payer
	Signer    *signing.Ed25519Signer // optional; receipts are unsigned if nil
	IssuerKey string                 // defaults to the signer's public key
	Policy    Policy
	Logger    *slog.Logger
}

// NewService wires a settlement service.
func NewService(d Deps) *Service {
	issuerKey := d.IssuerKey
	if issuerKey == "" && d.Signer != nil {
		issuerKey = d.Signer.PublicKey()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := d.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	return &Service{
		authority:   d.Authority,
		results:     d.Results,
		payer:       d.Payer,
		builder:     receipts.NewBuilder(d.Signer),
		issuerKey:   issuerKey,
		policy:      policy,
		clock:       time.Now,
		tracer:      otel.Tracer("satline/settlement"),
		logger:      logger,
		offersByKey: make(map[string]*storedOffer),
		offersByID:  make(map[string]*CreditOffer),
	}
}

// WithClock overrides clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	s.builder.WithClock(clock)
	return s
}

// Offer validates the request against policy and establishes a credit offer.
// Replays of the same idempotency key return the stored offer; a replay with a
// different payload fails with ErrConflict.
func (s *Service) Offer(ctx context.Context, req OfferRequest) (*CreditOffer, error) {
	_, span := s.tracer.Start(ctx, "settlement.offer")
	defer span.End()

	now := s.clock()
	if err := s.validateOffer(req, now); err != nil {
		return nil, err
	}

	normalized := req
	normalized.IdempotencyKey = ""
	payloadHash, err := canonical.Hash(normalized)
	if err != nil {
		return nil, fmt.Errorf("settlement: hash offer request: %w", err)
	}
	offerID := canonical.DeriveID("offer", payloadHash)
	key := req.IdempotencyKey
	if key == "" {
		key = payloadHash
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.offersByKey[key]; ok {
		if existing.payloadHash != payloadHash {
			return nil, fmt.Errorf("%w: key %q", ErrConflict, key)
		}
		cp := *existing.offer
		return &cp, nil
	}

	offer := &CreditOffer{
		OfferID:             offerID,
		AgentPubkey:         req.AgentPubkey,
		PoolID:              req.PoolID,
		Scope:               req.Scope,
		MaxSats:             req.MaxSats,
		FeeBps:              req.FeeBps,
		RequireVerification: req.RequireVerification,
		Expiry:              req.Expiry.UTC(),
		CreatedAt:           now.UTC(),
	}
	s.offersByKey[key] = &storedOffer{offer: offer, payloadHash: payloadHash}
	s.offersByID[offerID] = offer
	span.SetAttributes(attribute.String("offer_id", offerID))

	cp := *offer
	return &cp, nil
}

func (s *Service) validateOffer(req OfferRequest, now time.Time) error {
	if strings.TrimSpace(req.AgentPubkey) == "" {
		return fmt.Errorf("settlement: agent_pubkey is required")
	}
	if strings.TrimSpace(req.PoolID) == "" {
		return fmt.Errorf("settlement: pool_id is required")
	}
	if err := req.Scope.Validate(); err != nil {
		return err
	}
	if req.MaxSats <= 0 || req.MaxSats > s.policy.MaxOfferSats {
		return fmt.Errorf("settlement: max_sats %d out of bounds (0, %d]", req.MaxSats, s.policy.MaxOfferSats)
	}
	if req.FeeBps < s.policy.MinFeeBps || req.FeeBps > s.policy.MaxFeeBps {
		return fmt.Errorf("settlement: fee_bps %d out of bounds [%d, %d]", req.FeeBps, s.policy.MinFeeBps, s.policy.MaxFeeBps)
	}
	if !req.Expiry.After(now) {
		return fmt.Errorf("settlement: expiry must be in the future")
	}
	if req.Expiry.Sub(now) > s.policy.MaxOfferTTL {
		return fmt.Errorf("settlement: expiry window exceeds %s", s.policy.MaxOfferTTL)
	}
	return nil
}

// Envelope binds an offer to a fulfilling provider, publishes the Accepted
// baseline record through the authority state, and returns a signed issue
// receipt.
func (s *Service) Envelope(ctx context.Context, offerID, providerID string) (*envelope.CreditEnvelope, *receipts.IssueReceipt, error) {
	_, span := s.tracer.Start(ctx, "settlement.envelope")
	defer span.End()

	if strings.TrimSpace(providerID) == "" {
		return nil, nil, fmt.Errorf("settlement: provider_id is required")
	}

	s.mu.Lock()
	offer, ok := s.offersByID[offerID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
	}
	now := s.clock()
	if !now.Before(offer.Expiry) {
		return nil, nil, fmt.Errorf("%w: %s", ErrOfferExpired, offerID)
	}

	idHash, err := canonical.Hash(struct {
		OfferID    string `json:"offer_id"`
		ProviderID string `json:"provider_id"`
	}{offerID, providerID})
	if err != nil {
		return nil, nil, fmt.Errorf("settlement: derive envelope id: %w", err)
	}
	env := envelope.CreditEnvelope{
		EnvelopeID:     canonical.DeriveID("env", idHash),
		BorrowerPubkey: offer.AgentPubkey,
		IssuerPubkey:   s.issuerKey,
		Scope:          offer.Scope,
		ProviderPubkey: providerID,
		MaxSats:        offer.MaxSats,
		Expiry:         offer.Expiry,
		Status:         envelope.StatusAccepted,
	}

	rec, err := envelope.NewUpdateRecord(env, now)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.authority.Apply(rec); err != nil {
		return nil, nil, err
	}

	receipt, err := s.builder.Issue(receipts.IssueReceipt{
		EnvelopeID:     env.EnvelopeID,
		OfferID:        offerID,
		ProviderID:     providerID,
		BorrowerPubkey: env.BorrowerPubkey,
		IssuerPubkey:   env.IssuerPubkey,
		MaxSats:        env.MaxSats,
		Expiry:         env.Expiry,
	})
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("envelope_id", env.EnvelopeID))
	s.logger.Info("envelope issued",
		"envelope_id", env.EnvelopeID, "offer_id", offerID, "provider_id", providerID)
	return &env, receipt, nil
}

// Settle resolves an accepted envelope to a terminal outcome, calling the
// payment capability at most once per envelope.
//
// Check precedence is load-bearing: idempotent replay, then expiry, then
// verification, then payment.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*SettlementResult, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.settle",
		trace.WithAttributes(attribute.String("envelope_id", req.EnvelopeID)))
	defer span.End()

	if req.EnvelopeID == "" {
		return nil, fmt.Errorf("settlement: envelope_id is required")
	}

	// 1. Idempotency: a stored result is returned verbatim, no payment call.
	if stored, ok, err := s.results.Get(ctx, req.EnvelopeID); err != nil {
		return nil, err
	} else if ok {
		span.SetAttributes(attribute.Bool("replay", true))
		return stored, nil
	}

	cur, ok := s.authority.Get(req.EnvelopeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvelopeNotFound, req.EnvelopeID)
	}

	now := s.clock()
	invoiceHash := ""
	if req.ProviderInvoice != "" {
		invoiceHash = canonical.HashString(req.ProviderInvoice)
	}

	// 2. Expiry gate.
	if !now.Before(cur.Envelope.Expiry) {
		return s.storeNonPayment(ctx, req, invoiceHash, OutcomeExpired, "envelope expired")
	}

	// 3. Verification gate.
	if !req.VerificationPassed {
		return s.storeNonPayment(ctx, req, invoiceHash, OutcomeFailed, "verification failed")
	}

	// 4. Payment. The request id is derived from the envelope id so the wallet
	// side is idempotent even if two in-flight calls race past step 1.
	payResp, err := s.payer.PayBolt11(ctx, wallet.PayRequest{
		RequestID: "pay_" + req.EnvelopeID,
		Payment: wallet.PaymentFields{
			Invoice:        req.ProviderInvoice,
			MaxAmountMsats: req.AmountMsats + req.MaxFeeMsats,
			Host:           req.ProviderHost,
		},
	})
	if err != nil {
		// Unknown or rejected outcome: propagate, store nothing. Retrying with
		// the same envelope id is safe.
		s.logger.Warn("payment attempt failed", "envelope_id", req.EnvelopeID, "err", err)
		return nil, err
	}

	settled := payResp.Payment.AmountMsats
	if settled == 0 {
		settled = req.AmountMsats
	}
	receipt, err := s.builder.Settlement(receipts.SettlementReceipt{
		EnvelopeID:              req.EnvelopeID,
		Outcome:                 string(OutcomeSuccess),
		InvoiceHash:             invoiceHash,
		QuotedAmountMsats:       req.AmountMsats,
		SettledAmountMsats:      settled,
		ProviderHost:            req.ProviderHost,
		WalletReceiptID:         payResp.Receipt.ReceiptID,
		WalletCanonicalSHA256:   payResp.Receipt.CanonicalJSONSHA256,
		WalletPreimageSHA256:    payResp.Receipt.PreimageSHA256,
		VerificationReceiptHash: req.VerificationReceiptHash,
	})
	if err != nil {
		return nil, err
	}
	attempt, err := s.builder.PaymentAttempt(receipts.PaymentAttemptReceipt{
		EnvelopeID:     req.EnvelopeID,
		IdempotencyKey: req.EnvelopeID,
		Outcome:        string(OutcomeSuccess),
		InvoiceHash:    invoiceHash,
	})
	if err != nil {
		return nil, err
	}

	result := &SettlementResult{
		EnvelopeID:         req.EnvelopeID,
		IdempotencyKey:     req.EnvelopeID,
		Outcome:            OutcomeSuccess,
		InvoiceHash:        invoiceHash,
		QuotedAmountMsats:  req.AmountMsats,
		SettledAmountMsats: settled,
		Attempt:            attempt,
		Receipt:            receipt,
		CreatedAt:          now.UTC(),
	}
	stored, created, err := s.results.PutIfAbsent(ctx, result)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", string(stored.Outcome)))
	s.logger.Info("envelope settled",
		"envelope_id", req.EnvelopeID, "outcome", stored.Outcome, "first_writer", created)
	return stored, nil
}

// storeNonPayment records a deterministic non-payment outcome with a default
// notice. No wallet call is made.
func (s *Service) storeNonPayment(ctx context.Context, req SettleRequest, invoiceHash string, outcome Outcome, reason string) (*SettlementResult, error) {
	notice, err := s.builder.Notice(receipts.DefaultNotice{
		EnvelopeID: req.EnvelopeID,
		Outcome:    string(outcome),
		Reason:     reason,
	})
	if err != nil {
		return nil, err
	}
	attempt, err := s.builder.PaymentAttempt(receipts.PaymentAttemptReceipt{
		EnvelopeID:     req.EnvelopeID,
		IdempotencyKey: req.EnvelopeID,
		Outcome:        string(outcome),
		InvoiceHash:    invoiceHash,
	})
	if err != nil {
		return nil, err
	}
	result := &SettlementResult{
		EnvelopeID:        req.EnvelopeID,
		IdempotencyKey:    req.EnvelopeID,
		Outcome:           outcome,
		InvoiceHash:       invoiceHash,
		QuotedAmountMsats: req.AmountMsats,
		Attempt:           attempt,
		Notice:            notice,
		CreatedAt:         s.clock().UTC(),
	}
	stored, _, err := s.results.PutIfAbsent(ctx, result)
	if err != nil {
		return nil, err
	}
	s.logger.Info("envelope settlement withheld",
		"envelope_id", req.EnvelopeID, "outcome", outcome, "reason", reason)
	return stored, nil
}
