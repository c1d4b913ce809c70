package resultcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/plantid/backend/internal/adapters/cache"
	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	redisclient "github.com/zatekoja/plantid/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/plantid/backend/pkg/config"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		KeyPrefix:       "plantid:cache:",
		DefaultTTL:      24 * time.Hour,
		DiseaseTTL:      6 * time.Hour,
		MemoryStoreSize: 100,
	}
}

func sampleResult(fp string) *entities.IdentificationResult {
	return &entities.IdentificationResult{
		Fingerprint:     fp,
		ContractVersion: "v1",
		PrimarySource:   "plantid",
		PrimarySuggestions: []entities.RankedSuggestion{
			{Rank: 1, Name: "Monstera deliciosa", Confidence: 0.91, Source: "plantid"},
		},
		ProvidersAttempted: []entities.ProviderAttempt{
			{Provider: "plantid", Role: entities.RolePrimary, Status: entities.AttemptSuccess},
		},
		ServedFromCache: true,
	}
}

func newRedisCache(t *testing.T, opts ...Option) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCache(cache.NewRedisAdapter(redisclient.NewFromRedis(rdb)), testCacheConfig(), opts...), mr
}

func newMemoryCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	kv, err := cache.NewMemoryStore(100)
	require.NoError(t, err)
	return NewCache(kv, testCacheConfig(), opts...)
}

func TestBuildKey(t *testing.T) {
	assert.Equal(t, "H1:default-options:v1", BuildKey("H1", entities.IdentificationOptions{}, "v1"))

	withDisease := BuildKey("H1", entities.IdentificationOptions{IncludeDiseaseDetection: true}, "v1")
	assert.NotEqual(t, "H1:default-options:v1", withDisease)
	assert.Regexp(t, `^H1:[0-9a-f]{12}:v1$`, withDisease)

	a := BuildKey("H1", entities.IdentificationOptions{RequestedProviders: []string{"plantnet", "PlantID"}}, "v1")
	b := BuildKey("H1", entities.IdentificationOptions{RequestedProviders: []string{"plantid", " plantnet", "plantnet"}}, "v1")
	assert.Equal(t, a, b, "equivalent options share a key")
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	key := BuildKey("H1", entities.IdentificationOptions{}, "v1")

	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, key, sampleResult("H1"), time.Hour))
	assert.True(t, mr.Exists("plantid:cache:H1:default-options:v1"))
	assert.Equal(t, time.Hour, mr.TTL("plantid:cache:H1:default-options:v1"))

	entry, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "Monstera deliciosa", entry.Result.PrimarySuggestions[0].Name)
	assert.False(t, entry.Result.ServedFromCache, "stored results are not marked as cached")
	assert.Equal(t, time.Hour, entry.TTL)

	mr.FastForward(time.Hour)
	_, hit, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_ContractMismatchAndGarbageAreMisses(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	old := NewCache(c.store, testCacheConfig(), WithContractVersion("v0"))
	require.NoError(t, old.Set(ctx, "H1:default-options:v1", sampleResult("H1"), time.Hour))
	_, hit, err := c.Get(ctx, "H1:default-options:v1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, mr.Set("plantid:cache:H2:default-options:v1", "not json"))
	_, hit, err = c.Get(ctx, "H2:default-options:v1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_InvalidateByPrefixWithPatternStore(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, BuildKey("H1", entities.IdentificationOptions{}, "v1"), sampleResult("H1"), time.Hour))
	require.NoError(t, c.Set(ctx, BuildKey("H1", entities.IdentificationOptions{IncludeDiseaseDetection: true}, "v1"), sampleResult("H1"), time.Hour))
	require.NoError(t, c.Set(ctx, BuildKey("H2", entities.IdentificationOptions{}, "v1"), sampleResult("H2"), time.Hour))
	// Written by another process, so only the store knows about it
	require.NoError(t, mr.Set("plantid:cache:H1:default-options:v0", "{}"))

	n, err := c.InvalidateByPrefix(ctx, FingerprintPrefix("H1"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, mr.Exists("plantid:cache:H2:default-options:v1"))
}

func TestCache_InvalidateByPrefixFallsBackToTrackedKeys(t *testing.T) {
	c := newMemoryCache(t)
	ctx := context.Background()

	k1 := BuildKey("H1", entities.IdentificationOptions{}, "v1")
	k2 := BuildKey("H1", entities.IdentificationOptions{IncludeDiseaseDetection: true}, "v1")
	k3 := BuildKey("H2", entities.IdentificationOptions{}, "v1")
	for _, k := range []string{k1, k2, k3} {
		require.NoError(t, c.Set(ctx, k, sampleResult("H"), time.Hour))
	}

	n, err := c.InvalidateByPrefix(ctx, FingerprintPrefix("H1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, hit, _ := c.Get(ctx, k1)
	assert.False(t, hit)
	_, hit, _ = c.Get(ctx, k2)
	assert.False(t, hit)
	_, hit, _ = c.Get(ctx, k3)
	assert.True(t, hit)
}

func TestCache_Invalidate(t *testing.T) {
	c := newMemoryCache(t)
	ctx := context.Background()
	key := BuildKey("H1", entities.IdentificationOptions{}, "v1")

	require.NoError(t, c.Set(ctx, key, sampleResult("H1"), time.Hour))
	require.NoError(t, c.Invalidate(ctx, key))
	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_TTLFor(t *testing.T) {
	c := newMemoryCache(t, WithProviderTTLs(map[string]time.Duration{
		"plantid":  7 * 24 * time.Hour,
		"plantnet": 24 * time.Hour,
	}))
	ok := func(p string) entities.ProviderCallOutcome {
		return entities.ProviderCallOutcome{Provider: p, Kind: entities.OutcomeSuccess, Payload: &entities.ProviderPayload{}}
	}
	failed := func(p string) entities.ProviderCallOutcome {
		return entities.ProviderCallOutcome{Provider: p, Kind: entities.OutcomeFailed}
	}

	assert.Equal(t, 7*24*time.Hour, c.TTLFor([]entities.ProviderCallOutcome{ok("plantid"), failed("plantnet")}, entities.IdentificationOptions{}))
	assert.Equal(t, 24*time.Hour, c.TTLFor([]entities.ProviderCallOutcome{ok("plantid"), ok("plantnet")}, entities.IdentificationOptions{}))
	assert.Equal(t, 6*time.Hour, c.TTLFor([]entities.ProviderCallOutcome{ok("plantid")}, entities.IdentificationOptions{IncludeDiseaseDetection: true}))
	assert.Equal(t, 24*time.Hour, c.TTLFor([]entities.ProviderCallOutcome{ok("mock")}, entities.IdentificationOptions{}))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `plantid:cache:a\*b\?`, escapeGlob("plantid:cache:a*b?"))
}

func TestCache_EntryPastItsTTLIsAMiss(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	writer, _ := newRedisCache(t, WithClock(func() time.Time { return t0 }))
	ctx := context.Background()
	require.NoError(t, writer.Set(ctx, "H1:default-options:v1", sampleResult("H1"), time.Hour))

	fresh := NewCache(writer.store, testCacheConfig(), WithClock(func() time.Time { return t0.Add(59 * time.Minute) }))
	entry, hit, err := fresh.Get(ctx, "H1:default-options:v1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, t0.Add(time.Hour), entry.ExpiresAt().UTC())

	stale := NewCache(writer.store, testCacheConfig(), WithClock(func() time.Time { return t0.Add(time.Hour) }))
	_, hit, err = stale.Get(ctx, "H1:default-options:v1")
	require.NoError(t, err)
	assert.False(t, hit)
}
