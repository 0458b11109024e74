package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Meshline-Labs/satline/pkg/envelope"
	"github.com/Meshline-Labs/satline/pkg/receipts"
	"github.com/Meshline-Labs/satline/pkg/settlement"
	"github.com/Meshline-Labs/satline/pkg/treasury"
	"github.com/Meshline-Labs/satline/pkg/wallet"
)

// Server exposes the settlement service, envelope authority and treasury
// ledger over HTTP.
type Server struct {
	service   *settlement.Service
	authority *envelope.AuthorityState
	ledger    *treasury.Ledger
	logger    *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(service *settlement.Service, authority *envelope.AuthorityState, ledger *treasury.Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{service: service, authority: authority, ledger: ledger, logger: logger}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler(limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/offers", s.handleOffer)
	mux.HandleFunc("POST /v1/offers/{offer_id}/envelope", s.handleEnvelope)
	mux.HandleFunc("POST /v1/envelopes/records", s.handleApplyRecord)
	mux.HandleFunc("GET /v1/envelopes", s.handleSnapshot)
	mux.HandleFunc("GET /v1/envelopes/{envelope_id}", s.handleGetEnvelope)
	mux.HandleFunc("POST /v1/settlements", s.handleSettle)
	mux.HandleFunc("POST /v1/treasury/reservations", s.handleReserve)
	mux.HandleFunc("POST /v1/treasury/settlements", s.handleTreasurySettle)
	mux.HandleFunc("GET /v1/treasury/owners/{owner_key}/summary", s.handleOwnerSummary)
	mux.HandleFunc("GET /v1/treasury/owners/{owner_key}/account", s.handleOwnerAccount)

	var h http.Handler = mux
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return RequestID(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req settlement.OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	offer, err := s.service.Offer(r.Context(), req)
	if err != nil {
		if errors.Is(err, settlement.ErrConflict) {
			WriteConflict(w, err.Error())
			return
		}
		WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// envelopeRequest accepts the provider side of an offer.
type envelopeRequest struct {
	ProviderID string `json:"provider_id"`
}

// envelopeResponse pairs the published envelope with its issue receipt.
type envelopeResponse struct {
	Envelope *envelope.CreditEnvelope `json:"envelope"`
	Receipt  *receipts.IssueReceipt   `json:"receipt,omitempty"`
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req envelopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ProviderID == "" {
		WriteBadRequest(w, "Missing required field: provider_id")
		return
	}

	env, receipt, err := s.service.Envelope(r.Context(), r.PathValue("offer_id"), req.ProviderID)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrOfferNotFound):
			WriteNotFound(w, err.Error())
		case errors.Is(err, settlement.ErrOfferExpired):
			WriteGone(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, envelopeResponse{Envelope: env, Receipt: receipt})
}

// applyResponse reports whether a replicated record advanced local state.
type applyResponse struct {
	Applied  bool   `json:"applied"`
	RecordID string `json:"record_id"`
}

func (s *Server) handleApplyRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	rec, err := envelope.ParseUpdateRecord(raw)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	applied, err := s.authority.Apply(rec)
	if err != nil {
		var te *envelope.TransitionError
		if errors.As(err, &te) {
			WriteConflict(w, err.Error())
			return
		}
		WriteBadRequest(w, err.Error())
		return
	}
	if applied {
		s.logger.Info("authority record applied",
			"envelope_id", rec.Envelope.EnvelopeID, "record_id", rec.RecordID,
			"status", rec.Envelope.Status)
	}
	writeJSON(w, http.StatusOK, applyResponse{Applied: applied, RecordID: rec.RecordID})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.authority.Snapshot())
}

func (s *Server) handleGetEnvelope(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("envelope_id")
	rec, ok := s.authority.Get(id)
	if !ok {
		WriteNotFound(w, "unknown envelope: "+id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req settlement.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	result, err := s.service.Settle(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrEnvelopeNotFound):
			WriteNotFound(w, err.Error())
		case errors.Is(err, wallet.ErrUnavailable):
			WriteUnavailable(w, "payment outcome unknown, retry with the same envelope id")
		default:
			WriteBadRequest(w, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// reserveRequest places an escrow hold for a compute job.
type reserveRequest struct {
	OwnerKey         string `json:"owner_key"`
	JobHash          string `json:"job_hash"`
	ProviderID       string `json:"provider_id"`
	ProviderWorkerID string `json:"provider_worker_id,omitempty"`
	AmountMsats      int64  `json:"amount_msats"`
}

// reserveResponse reports the reservation and whether this call created it.
type reserveResponse struct {
	Job     *treasury.ComputeJobSettlement `json:"job"`
	Created bool                           `json:"created"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	job, created, err := s.ledger.Reserve(req.OwnerKey, req.JobHash, req.ProviderID, req.ProviderWorkerID, req.AmountMsats)
	if err != nil {
		switch {
		case errors.Is(err, treasury.ErrInsufficientBudget):
			WriteError(w, http.StatusPaymentRequired, "Payment Required", err.Error())
		case errors.Is(err, treasury.ErrOwnerMismatch), errors.Is(err, treasury.ErrAmountMismatch):
			WriteConflict(w, err.Error())
		default:
			WriteBadRequest(w, err.Error())
		}
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, reserveResponse{Job: job, Created: created})
}

// treasurySettleRequest resolves a reservation.
type treasurySettleRequest struct {
	JobHash            string `json:"job_hash"`
	VerificationPassed bool   `json:"verification_passed"`
	ExitCode           int    `json:"exit_code"`
}

// treasurySettleResponse reports the settled record and whether this call
// changed state.
type treasurySettleResponse struct {
	Job     *treasury.ComputeJobSettlement `json:"job"`
	Changed bool                           `json:"changed"`
}

func (s *Server) handleTreasurySettle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req treasurySettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	job, changed, err := s.ledger.Settle(req.JobHash, req.VerificationPassed, req.ExitCode)
	if err != nil {
		switch {
		case errors.Is(err, treasury.ErrNotReserved):
			WriteNotFound(w, err.Error())
		case errors.Is(err, treasury.ErrSettlementConflict):
			WriteConflict(w, err.Error())
		default:
			WriteBadRequest(w, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, treasurySettleResponse{Job: job, Changed: changed})
}

func (s *Server) handleOwnerSummary(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	writeJSON(w, http.StatusOK, s.ledger.SummarizeOwner(r.PathValue("owner_key"), limit))
}

func (s *Server) handleOwnerAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.GetAccount(r.PathValue("owner_key")))
}
