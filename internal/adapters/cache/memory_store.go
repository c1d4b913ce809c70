package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// entryTable is the storage behind a MemoryStore: an LRU for cached results,
// a plain map for coordination state that must never be evicted.
type entryTable interface {
	Get(key string) (memoryEntry, bool)
	Add(key string, e memoryEntry) bool
	Remove(key string) bool
	Len() int
}

type mapTable map[string]memoryEntry

func (m mapTable) Get(key string) (memoryEntry, bool) {
	e, ok := m[key]
	return e, ok
}

func (m mapTable) Add(key string, e memoryEntry) bool {
	m[key] = e
	return false
}

func (m mapTable) Remove(key string) bool {
	_, ok := m[key]
	delete(m, key)
	return ok
}

func (m mapTable) Len() int {
	return len(m)
}

// MemoryStore is a single-process KeyValueStore. Entries expire by their own
// TTL; a bounded store additionally evicts least recently used keys.
// It cannot match patterns, so callers fall back to tracked keys for prefix invalidation.
type MemoryStore struct {
	mu      sync.Mutex
	entries entryTable
	bounded bool
	puts    int
	now     func() time.Time
}

var _ providers.KeyValueStore = (*MemoryStore)(nil)

// sweepEvery is how many writes an unbounded store takes between expiry sweeps
const sweepEvery = 256

// NewMemoryStore creates an LRU-bounded in-memory store for cached results.
// Eviction makes it unsuitable for leases or circuit state; use
// NewCoordinationStore for those.
func NewMemoryStore(size int) (*MemoryStore, error) {
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory store: %w", err)
	}
	return &MemoryStore{entries: entries, bounded: true, now: time.Now}, nil
}

// NewCoordinationStore creates an in-memory store that only drops keys when
// they expire or are deleted, so a live lease or an OPEN circuit is never lost
// to cache pressure.
func NewCoordinationStore() *MemoryStore {
	return &MemoryStore{entries: mapTable{}, now: time.Now}
}

// WithClock overrides the time source (tests)
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// live returns the entry when present and unexpired; callers hold mu
func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.entries.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		s.entries.Remove(key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	s.entries.Add(key, memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	})
	if !s.bounded {
		s.puts++
		if s.puts%sweepEvery == 0 {
			s.sweep()
		}
	}
}

// sweep drops expired entries from an unbounded table; callers hold mu
func (s *MemoryStore) sweep() {
	m, ok := s.entries.(mapTable)
	if !ok {
		return
	}
	now := s.now()
	for key, e := range m {
		if !now.Before(e.expiresAt) {
			delete(m, key)
		}
	}
}

// Get retrieves a value
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, providers.ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores a value with expiration
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("refusing to write %s without expiration", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

// SetNX stores a value only if the key is absent
func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("refusing to write %s without expiration", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// CompareAndSwap replaces the value if it still equals old
func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("refusing to write %s without expiration", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || !bytes.Equal(e.value, old) {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// CompareAndDelete removes the key if it still equals expected
func (s *MemoryStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	s.entries.Remove(key)
	return true, nil
}

// Delete removes keys
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.entries.Remove(key)
	}
	return nil
}

// TTL returns the remaining lifetime of a key
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return 0, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

// Len returns the number of stored entries, expired ones included
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}
