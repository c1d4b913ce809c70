package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	"github.com/zatekoja/plantid/backend/internal/infrastructure/observability"
	"github.com/zatekoja/plantid/backend/pkg/config"
)

const (
	defaultContractVersion = "v1"
	defaultTrackLimit      = 10000
)

// Cache stores merged identification results keyed by content fingerprint.
// Entries written under another contract version read back as misses.
type Cache struct {
	store           providers.KeyValueStore
	cfg             config.CacheConfig
	contractVersion string
	providerTTLs    map[string]time.Duration
	now             func() time.Time
	trackLimit      int

	mu      sync.Mutex
	tracked map[string]time.Time
}

// Option configures a Cache
type Option func(*Cache)

// WithContractVersion sets the response contract version stamped on entries
func WithContractVersion(v string) Option {
	return func(c *Cache) { c.contractVersion = v }
}

// WithProviderTTLs sets the per-provider freshness used by TTLFor
func WithProviderTTLs(ttls map[string]time.Duration) Option {
	return func(c *Cache) { c.providerTTLs = ttls }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a result cache over store
func NewCache(store providers.KeyValueStore, cfg config.CacheConfig, opts ...Option) *Cache {
	c := &Cache{
		store:           store,
		cfg:             cfg,
		contractVersion: defaultContractVersion,
		now:             time.Now,
		trackLimit:      cfg.MemoryStoreSize,
		tracked:         make(map[string]time.Time),
	}
	if c.trackLimit <= 0 {
		c.trackLimit = defaultTrackLimit
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ContractVersion returns the version stamped on new entries
func (c *Cache) ContractVersion() string {
	return c.contractVersion
}

// Key builds the cache key for a request
func (c *Cache) Key(req *entities.IdentificationRequest) string {
	return BuildKey(req.Fingerprint, req.Options, c.contractVersion)
}

func (c *Cache) storeKey(key string) string {
	return c.cfg.KeyPrefix + key
}

// Get reads an entry. Absent, undecodable or contract-mismatched entries are misses.
func (c *Cache) Get(ctx context.Context, key string) (*entities.CacheEntry, bool, error) {
	raw, err := c.store.Get(ctx, c.storeKey(key))
	if errors.Is(err, providers.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var entry entities.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		observability.LoggerFromContext(ctx).Debug().Err(err).Str("cache_key", key).Msg("Discarding undecodable cache entry")
		return nil, false, nil
	}
	if entry.ContractVersion != c.contractVersion || entry.Key != key {
		return nil, false, nil
	}
	// Stores expire lazily; never serve past the TTL the entry was written with
	if !c.now().Before(entry.ExpiresAt()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Set overwrites the entry for key. A non-positive ttl uses the default TTL.
func (c *Cache) Set(ctx context.Context, key string, result *entities.IdentificationResult, ttl time.Duration) error {
	if result == nil {
		return fmt.Errorf("refusing to cache empty result for %s", key)
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	stored := result.Clone()
	stored.ServedFromCache = false
	now := c.now()
	entry := entities.CacheEntry{
		Key:             key,
		ContractVersion: c.contractVersion,
		Result:          *stored,
		WrittenAt:       now,
		TTL:             ttl,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.store.Set(ctx, c.storeKey(key), data, ttl); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	c.track(key, now.Add(ttl))
	return nil
}

// Invalidate removes one entry
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, c.storeKey(key)); err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	c.mu.Lock()
	delete(c.tracked, key)
	c.mu.Unlock()
	return nil
}

// InvalidateByPrefix removes every entry whose key starts with prefix. Stores that
// match patterns are asked directly; otherwise the keys written by this process
// are used.
func (c *Cache) InvalidateByPrefix(ctx context.Context, prefix string) (int, error) {
	if pd, ok := c.store.(providers.PatternDeleter); ok {
		n, err := pd.DeletePattern(ctx, escapeGlob(c.storeKey(prefix))+"*")
		if err != nil {
			return n, fmt.Errorf("failed to invalidate cache prefix: %w", err)
		}
		c.untrackPrefix(prefix)
		return n, nil
	}

	keys := c.untrackPrefix(prefix)
	if len(keys) == 0 {
		return 0, nil
	}
	storeKeys := make([]string, len(keys))
	for i, k := range keys {
		storeKeys[i] = c.storeKey(k)
	}
	if err := c.store.Delete(ctx, storeKeys...); err != nil {
		return 0, fmt.Errorf("failed to invalidate cache prefix: %w", err)
	}
	return len(keys), nil
}

// TTLFor picks the freshness of a merged result: the shortest TTL among the
// providers that contributed, shortened further when health findings are included
func (c *Cache) TTLFor(outcomes []entities.ProviderCallOutcome, opts entities.IdentificationOptions) time.Duration {
	var ttl time.Duration
	for _, o := range outcomes {
		if !o.Succeeded() {
			continue
		}
		if d := c.providerTTLs[o.Provider]; d > 0 && (ttl == 0 || d < ttl) {
			ttl = d
		}
	}
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}
	if opts.IncludeDiseaseDetection && c.cfg.DiseaseTTL > 0 && c.cfg.DiseaseTTL < ttl {
		ttl = c.cfg.DiseaseTTL
	}
	return ttl
}

func (c *Cache) track(key string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked[key] = expiresAt
	if len(c.tracked) <= c.trackLimit {
		return
	}
	now := c.now()
	for k, exp := range c.tracked {
		if !now.Before(exp) {
			delete(c.tracked, k)
		}
	}
}

func (c *Cache) untrackPrefix(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var keys []string
	for k, exp := range c.tracked {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		delete(c.tracked, k)
		if now.Before(exp) {
			keys = append(keys, k)
		}
	}
	return keys
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
