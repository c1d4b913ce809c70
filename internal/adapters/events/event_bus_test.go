package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	redisclient "github.com/zatekoja/plantid/backend/internal/infrastructure/clients/redis"
)

func newTestRedisBus(t *testing.T) *RedisEventBus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisEventBus(redisclient.NewFromRedis(rdb), "plantid:")
	t.Cleanup(func() {
		_ = bus.Close()
		_ = rdb.Close()
	})
	return bus
}

func openEvent(provider string) *entities.CircuitEvent {
	return &entities.CircuitEvent{
		ID:         "evt-1",
		Provider:   provider,
		From:       entities.CircuitClosed,
		To:         entities.CircuitOpen,
		OccurredAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func receive(t *testing.T, ch <-chan *entities.CircuitEvent) *entities.CircuitEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "channel closed before an event arrived")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for circuit event")
		return nil
	}
}

func TestRedisEventBus_PublishReachesSubscriber(t *testing.T) {
	bus := newTestRedisBus(t)
	assert.Equal(t, "plantid:circuit:events", bus.Channel())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), openEvent("plantid")))

	event := receive(t, ch)
	assert.Equal(t, "plantid", event.Provider)
	assert.Equal(t, entities.CircuitOpen, event.To)
}

func TestRedisEventBus_CancelClosesSubscriber(t *testing.T) {
	bus := newTestRedisBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryEventBus_FanOut(t *testing.T) {
	bus := NewMemoryEventBus()
	defer bus.Close()

	ctx := context.Background()
	first, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	second, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, openEvent("plantnet")))
	assert.Equal(t, "plantnet", receive(t, first).Provider)
	assert.Equal(t, "plantnet", receive(t, second).Provider)
}

func TestMemoryEventBus_ClosedRejectsPublish(t *testing.T) {
	bus := NewMemoryEventBus()
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(context.Background(), openEvent("plantid")))
	_, err := bus.Subscribe(context.Background())
	assert.Error(t, err)
}

func TestMemoryEventBus_CloseEndsLongLivedSubscribers(t *testing.T) {
	bus := NewMemoryEventBus()
	ch, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- bus.Close() }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while a subscriber context was still live")
	}
	_, open := <-ch
	assert.False(t, open)
	assert.NoError(t, bus.Close())
}
