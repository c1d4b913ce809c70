package circuitstate

import (
	"context"
	"sync"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
)

// MemoryStore keeps circuit state for a single process
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]entities.CircuitState
}

var _ providers.CircuitStateStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process circuit state store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]entities.CircuitState)}
}

// Load returns the stored state or the initial CLOSED state
func (s *MemoryStore) Load(_ context.Context, provider string) (entities.CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[provider]; ok {
		return state, nil
	}
	return entities.NewCircuitState(provider), nil
}

// CompareAndSwap writes next when the stored version still equals prev.Version
func (s *MemoryStore) CompareAndSwap(_ context.Context, prev, next entities.CircuitState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.states[prev.Provider]
	if !ok {
		current = entities.NewCircuitState(prev.Provider)
	}
	if current.Version != prev.Version {
		return false, nil
	}
	next.Provider = prev.Provider
	next.Version = prev.Version + 1
	s.states[prev.Provider] = next
	return true, nil
}
