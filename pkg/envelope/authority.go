// Package envelope resolves the current status of a credit line from a stream
// of possibly-duplicated, possibly-out-of-order authenticated update records.
//
// Each envelope id owns a last-writer-wins register. The writer comparison key
// is the tuple (created_at, record_id) under lexicographic order: the content
// derived record id breaks timestamp ties deterministically, so independent
// observers of the same update stream converge without a central sequencer.
package envelope

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// StateRecord wraps the current envelope value with its provenance.
type StateRecord struct {
	RecordID  string         `json:"record_id"`
	CreatedAt time.Time      `json:"created_at"`
	Envelope  CreditEnvelope `json:"envelope"`
}

// newerThan is the lexicographic (created_at, record_id) comparison.
func (r *StateRecord) newerThan(other *StateRecord) bool {
	if r.CreatedAt.After(other.CreatedAt) {
		return true
	}
	if r.CreatedAt.Equal(other.CreatedAt) {
		return r.RecordID > other.RecordID
	}
	return false
}

// Register is the replicated register for one envelope id.
// The whole read-check-write sequence in Apply is one critical section and
// performs no I/O.
type Register struct {
	mu      sync.Mutex
	current *StateRecord
}

// NewRegister creates an empty register.
func NewRegister() *Register {
	return &Register{}
}

// Apply resolves a candidate update against the current record.
//
// Returns (true, nil) when the candidate became current, (false, nil) when the
// candidate is a stale or duplicate update (an expected no-op, not an error),
// and (false, err) for validation failures, id mismatches, and illegal status
// transitions. Rejected candidates never touch the stored record.
func (g *Register) Apply(rec *UpdateRecord) (bool, error) {
	if rec == nil {
		return false, errors.New("envelope: nil update record")
	}
	cand := rec.Envelope
	if err := cand.Validate(); err != nil {
		return false, err
	}
	if rec.CreatedAt.IsZero() {
		return false, &FieldError{Field: "created_at", Code: CodeMissingField,
			Message: "created_at is required"}
	}
	if rec.RecordID == "" {
		return false, &FieldError{Field: "record_id", Code: CodeMissingField,
			Message: "record_id is required"}
	}

	candidate := &StateRecord{RecordID: rec.RecordID, CreatedAt: rec.CreatedAt, Envelope: cand}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == nil {
		// Baseline: the first record for an envelope is accepted unconditionally.
		g.current = candidate
		return true, nil
	}
	if g.current.Envelope.EnvelopeID != cand.EnvelopeID {
		return false, ErrEnvelopeIDMismatch
	}
	if !candidate.newerThan(g.current) {
		return false, nil
	}
	if !CanTransition(g.current.Envelope.Status, cand.Status) {
		// Newer but invalid: the candidate must not corrupt state.
		return false, &TransitionError{From: g.current.Envelope.Status, To: cand.Status}
	}
	g.current = candidate
	return true, nil
}

// Current returns a copy of the resolved record, if any.
func (g *Register) Current() (StateRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return StateRecord{}, false
	}
	return *g.current, true
}

// AuthorityState holds zero-or-one current record per envelope id and routes
// updates to the owning register.
type AuthorityState struct {
	mu        sync.Mutex
	registers map[string]*Register
}

// NewAuthorityState creates an empty authority state.
func NewAuthorityState() *AuthorityState {
	return &AuthorityState{registers: make(map[string]*Register)}
}

func (s *AuthorityState) register(envelopeID string) *Register {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.registers[envelopeID]
	if !ok {
		g = NewRegister()
		s.registers[envelopeID] = g
	}
	return g
}

// Apply routes the update to the register for its envelope id and applies it.
func (s *AuthorityState) Apply(rec *UpdateRecord) (bool, error) {
	if rec == nil {
		return false, errors.New("envelope: nil update record")
	}
	if rec.Envelope.EnvelopeID == "" {
		return false, &FieldError{Field: "envelope_id", Code: CodeMissingField,
			Message: "envelope_id is required"}
	}
	return s.register(rec.Envelope.EnvelopeID).Apply(rec)
}

// Get returns the current record for an envelope id.
func (s *AuthorityState) Get(envelopeID string) (StateRecord, bool) {
	s.mu.Lock()
	g, ok := s.registers[envelopeID]
	s.mu.Unlock()
	if !ok {
		return StateRecord{}, false
	}
	return g.Current()
}

// Snapshot returns all current records sorted by envelope id, for operator
// inspection and export.
func (s *AuthorityState) Snapshot() []StateRecord {
	s.mu.Lock()
	registers := make([]*Register, 0, len(s.registers))
	for _, g := range s.registers {
		registers = append(registers, g)
	}
	s.mu.Unlock()

	out := make([]StateRecord, 0, len(registers))
	for _, g := range registers {
		if rec, ok := g.Current(); ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Envelope.EnvelopeID < out[j].Envelope.EnvelopeID
	})
	return out
}

// Len returns the number of envelopes with a current record.
func (s *AuthorityState) Len() int {
	return len(s.Snapshot())
}
