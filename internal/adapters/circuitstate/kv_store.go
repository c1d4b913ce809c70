package circuitstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
)

// DefaultStateTTL bounds how long an untouched circuit record survives.
// An expired record reads back as CLOSED.
const DefaultStateTTL = 24 * time.Hour

// KVStore persists circuit state as JSON in a shared KeyValueStore so every
// process reads the same health signal
type KVStore struct {
	store     providers.KeyValueStore
	keyPrefix string
	ttl       time.Duration
}

var _ providers.CircuitStateStore = (*KVStore)(nil)

// NewKVStore creates a KV-backed circuit state store
func NewKVStore(store providers.KeyValueStore, keyPrefix string, ttl time.Duration) *KVStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &KVStore{store: store, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *KVStore) key(provider string) string {
	return s.keyPrefix + provider
}

func (s *KVStore) read(ctx context.Context, provider string) (entities.CircuitState, []byte, error) {
	raw, err := s.store.Get(ctx, s.key(provider))
	if errors.Is(err, providers.ErrKeyNotFound) {
		return entities.NewCircuitState(provider), nil, nil
	}
	if err != nil {
		return entities.CircuitState{}, nil, fmt.Errorf("failed to load circuit state for %s: %w", provider, err)
	}

	var state entities.CircuitState
	if err := json.Unmarshal(raw, &state); err != nil {
		// A corrupt record is replaced on the next write
		return entities.CircuitState{Provider: provider, Phase: entities.CircuitClosed, Version: -1}, raw, nil
	}
	return state, raw, nil
}

// Load returns the stored state or the initial CLOSED state
func (s *KVStore) Load(ctx context.Context, provider string) (entities.CircuitState, error) {
	state, _, err := s.read(ctx, provider)
	return state, err
}

// CompareAndSwap writes next when the stored version still equals prev.Version.
// The raw bytes read are used as the store-level comparand, so the check and
// write are atomic.
func (s *KVStore) CompareAndSwap(ctx context.Context, prev, next entities.CircuitState) (bool, error) {
	current, raw, err := s.read(ctx, prev.Provider)
	if err != nil {
		return false, err
	}
	if current.Version != prev.Version {
		return false, nil
	}

	next.Provider = prev.Provider
	next.Version = prev.Version + 1
	if next.Version <= 0 {
		next.Version = 1
	}
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to encode circuit state: %w", err)
	}

	if raw == nil {
		ok, err := s.store.SetNX(ctx, s.key(prev.Provider), data, s.ttl)
		if err != nil {
			return false, fmt.Errorf("failed to create circuit state for %s: %w", prev.Provider, err)
		}
		return ok, nil
	}

	ok, err := s.store.CompareAndSwap(ctx, s.key(prev.Provider), raw, data, s.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to update circuit state for %s: %w", prev.Provider, err)
	}
	return ok, nil
}
