package locking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/plantid/backend/internal/adapters/cache"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	redisclient "github.com/zatekoja/plantid/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/plantid/backend/pkg/config"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

func testLockConfig() config.LockConfig {
	return config.LockConfig{
		WaitTimeout:      time.Second,
		LeaseDuration:    time.Second,
		MaxLeaseLifetime: time.Minute,
		KeyPrefix:        "plantid:lock:",
	}
}

func newMemoryKV(t *testing.T) *cache.MemoryStore {
	t.Helper()
	return cache.NewCoordinationStore()
}

func newRedisKV(t *testing.T) (*cache.RedisAdapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewRedisAdapter(redisclient.NewFromRedis(rdb)), mr
}

func TestCoordinator_AcquireReleaseReacquire(t *testing.T) {
	kv, mr := newRedisKV(t)
	c := NewCoordinator(kv, testLockConfig(), WithHolder("worker-a"))
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "H1", 0, 0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("plantid:lock:H1"))
	assert.Greater(t, mr.TTL("plantid:lock:H1"), time.Duration(0), "expiry is set with the claim")

	snap := lease.Snapshot()
	assert.Equal(t, "H1", snap.Key)
	assert.Equal(t, "worker-a", snap.Holder)
	assert.True(t, snap.Renewing)

	c.Release(lease)
	assert.False(t, mr.Exists("plantid:lock:H1"))
	assert.False(t, lease.Snapshot().Renewing)

	again, err := c.Acquire(ctx, "H1", 0, 50*time.Millisecond)
	require.NoError(t, err)
	c.Release(again)
}

func TestCoordinator_ContendedAcquireTimesOut(t *testing.T) {
	kv, _ := newRedisKV(t)
	holder := NewCoordinator(kv, testLockConfig())
	waiter := NewCoordinator(kv, testLockConfig())
	ctx := context.Background()

	lease, err := holder.Acquire(ctx, "H1", 0, 0)
	require.NoError(t, err)
	defer holder.Release(lease)

	start := time.Now()
	_, err = waiter.Acquire(ctx, "H1", 0, 80*time.Millisecond)
	assert.ErrorIs(t, err, apperrors.ErrLockNotAcquired)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCoordinator_WaiterAcquiresAfterRelease(t *testing.T) {
	kv := newMemoryKV(t)
	c := NewCoordinator(kv, testLockConfig())
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "H1", 0, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.Release(lease)
	}()

	second, err := c.Acquire(ctx, "H1", 0, time.Second)
	require.NoError(t, err)
	c.Release(second)
}

func TestCoordinator_ReleaseOnlyRemovesOwnToken(t *testing.T) {
	kv := newMemoryKV(t)
	c := NewCoordinator(kv, testLockConfig())
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "H1", 0, 0)
	require.NoError(t, err)
	lease.stopRenewal()

	// Another holder took over after the first lease lapsed
	require.NoError(t, kv.Set(ctx, "plantid:lock:H1", []byte("someone-else"), time.Minute))

	c.Release(lease)
	v, err := kv.Get(ctx, "plantid:lock:H1")
	require.NoError(t, err)
	assert.Equal(t, []byte("someone-else"), v)
}

type failingRelease struct {
	providers.KeyValueStore
}

func (failingRelease) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return false, errors.New("connection reset")
}

func TestCoordinator_FailedReleaseExpiresPassively(t *testing.T) {
	kv := failingRelease{KeyValueStore: newMemoryKV(t)}
	c := NewCoordinator(kv, testLockConfig())
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "H1", 90*time.Millisecond, 0)
	require.NoError(t, err)
	assert.NotPanics(t, func() { c.Release(lease) })

	// Renewal stopped, so the key lapses and another request can proceed
	next, err := c.Acquire(ctx, "H1", time.Second, time.Second)
	require.NoError(t, err)
	assert.Greater(t, time.Since(lease.Snapshot().AcquiredAt), 80*time.Millisecond)
	lease2 := next.Snapshot()
	assert.NotEqual(t, lease.Snapshot().Token, lease2.Token)
}

func TestCoordinator_RenewalKeepsLeaseAlive(t *testing.T) {
	kv := newMemoryKV(t)
	c := NewCoordinator(kv, testLockConfig())
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "H1", 60*time.Millisecond, 0)
	require.NoError(t, err)
	defer c.Release(lease)

	time.Sleep(200 * time.Millisecond)
	assert.False(t, lease.Lost())
	_, err = kv.Get(ctx, "plantid:lock:H1")
	assert.NoError(t, err, "renewed lease must outlive its initial duration")
}

func TestCoordinator_RenewalDetectsLoss(t *testing.T) {
	kv := newMemoryKV(t)
	c := NewCoordinator(kv, testLockConfig())
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "H1", 60*time.Millisecond, 0)
	require.NoError(t, err)
	defer c.Release(lease)

	require.NoError(t, kv.Delete(ctx, "plantid:lock:H1"))
	assert.Eventually(t, lease.Lost, time.Second, 5*time.Millisecond)
}

func TestCoordinator_MaxLifetimeStopsRenewal(t *testing.T) {
	kv := newMemoryKV(t)
	cfg := testLockConfig()
	cfg.MaxLeaseLifetime = 50 * time.Millisecond
	c := NewCoordinator(kv, cfg)

	lease, err := c.Acquire(context.Background(), "H1", 60*time.Millisecond, 0)
	require.NoError(t, err)
	defer c.Release(lease)

	assert.Eventually(t, func() bool { return !lease.Snapshot().Renewing }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := kv.Get(context.Background(), "plantid:lock:H1")
		return errors.Is(err, providers.ErrKeyNotFound)
	}, time.Second, 10*time.Millisecond)
}

type brokenKV struct {
	providers.KeyValueStore
}

func (brokenKV) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}

func TestCoordinator_StoreErrorAbortsPolling(t *testing.T) {
	c := NewCoordinator(brokenKV{}, testLockConfig())

	start := time.Now()
	_, err := c.Acquire(context.Background(), "H1", 0, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrLockNotAcquired)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Less(t, time.Since(start), time.Second)
}

func TestCoordinator_ReleaseNilAndTwice(t *testing.T) {
	kv := newMemoryKV(t)
	c := NewCoordinator(kv, testLockConfig())
	assert.NotPanics(t, func() { c.Release(nil) })

	lease, err := c.Acquire(context.Background(), "H1", 0, 0)
	require.NoError(t, err)
	c.Release(lease)
	assert.NotPanics(t, func() { c.Release(lease) })
}

func TestCoordinator_LeaseSurvivesUnrelatedWrites(t *testing.T) {
	kv := newMemoryKV(t)
	holder := NewCoordinator(kv, testLockConfig(), WithHolder("a"))
	waiter := NewCoordinator(kv, testLockConfig(), WithHolder("b"))
	ctx := context.Background()

	lease, err := holder.Acquire(ctx, "k", 10*time.Second, 0)
	require.NoError(t, err)
	defer holder.Release(lease)

	for i := 0; i < 1000; i++ {
		require.NoError(t, kv.Set(ctx, fmt.Sprintf("plantid:cache:H%d", i), []byte("{}"), time.Hour))
	}

	_, err = waiter.Acquire(ctx, "k", 10*time.Second, 50*time.Millisecond)
	assert.ErrorIs(t, err, apperrors.ErrLockNotAcquired)
}
