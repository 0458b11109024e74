package settlement

import (
	"context"
	"sync"
)

// ResultStore persists settlement results keyed by envelope id.
//
// PutIfAbsent has first-writer-wins semantics: the returned result is the
// authoritative stored value, which may be an earlier writer's. This is the
// local layer of the exactly-once guarantee; the wallet's request-id
// idempotency bounds damage if two in-flight calls race past the Get.
type ResultStore interface {
	Get(ctx context.Context, envelopeID string) (*SettlementResult, bool, error)
	PutIfAbsent(ctx context.Context, res *SettlementResult) (*SettlementResult, bool, error)
}

// MemoryResultStore implements ResultStore in memory.
type MemoryResultStore struct {
	mu      sync.Mutex
	results map[string]*SettlementResult
}

// NewMemoryResultStore creates an empty store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]*SettlementResult)}
}

func (s *MemoryResultStore) Get(_ context.Context, envelopeID string) (*SettlementResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[envelopeID]
	if !ok {
		return nil, false, nil
	}
	cp := *res
	return &cp, true, nil
}

func (s *MemoryResultStore) PutIfAbsent(_ context.Context, res *SettlementResult) (*SettlementResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.results[res.EnvelopeID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *res
	s.results[res.EnvelopeID] = &cp
	out := cp
	return &out, true, nil
}
