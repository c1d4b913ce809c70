package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	redisclient "github.com/zatekoja/plantid/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/plantid/backend/internal/infrastructure/observability"
)

const subscriberBuffer = 64

// RedisEventBus implements the CircuitEventBus interface using Redis Pub/Sub
type RedisEventBus struct {
	client  *redisclient.Client
	channel string

	mu           sync.Mutex
	subscription *redis.PubSub
	subscribers  map[chan *entities.CircuitEvent]struct{}
	ctx          context.Context
	cancel       context.CancelFunc
}

var _ providers.CircuitEventBus = (*RedisEventBus)(nil)

// NewRedisEventBus creates a new Redis-based event bus on <keyPrefix>circuit:events
func NewRedisEventBus(client *redisclient.Client, keyPrefix string) *RedisEventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisEventBus{
		client:      client,
		channel:     keyPrefix + providers.CircuitEventChannelSuffix,
		subscribers: make(map[chan *entities.CircuitEvent]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Channel returns the pub/sub channel name
func (b *RedisEventBus) Channel() string {
	return b.channel
}

// Publish publishes an event to all subscribers
func (b *RedisEventBus) Publish(ctx context.Context, event *entities.CircuitEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal circuit event: %w", err)
	}

	if err := b.client.Client().Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish circuit event: %w", err)
	}

	observability.GetLogger().Debug().
		Str("provider", event.Provider).
		Str("to", string(event.To)).
		Msg("Published circuit event")
	return nil
}

// Subscribe subscribes to circuit events
func (b *RedisEventBus) Subscribe(ctx context.Context) (<-chan *entities.CircuitEvent, error) {
	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("event bus is closed")
	}

	if b.subscription == nil {
		pubsub := b.client.Client().Subscribe(b.ctx, b.channel)
		// Wait for the subscription confirmation so no event published after
		// Subscribe returns is missed
		if _, err := pubsub.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
		}
		b.subscription = pubsub
		go b.receiveMessages(pubsub)
	}

	eventChan := make(chan *entities.CircuitEvent, subscriberBuffer)
	b.subscribers[eventChan] = struct{}{}
	subscriberCount := len(b.subscribers)
	b.mu.Unlock()

	observability.GetLogger().Debug().
		Str("channel", b.channel).
		Int("subscribers", subscriberCount).
		Msg("Subscribed to circuit events")

	go func() {
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
		}
		b.removeSubscriber(eventChan)
	}()

	return eventChan, nil
}

// receiveMessages receives messages from Redis and broadcasts them to subscribers
func (b *RedisEventBus) receiveMessages(pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event entities.CircuitEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				observability.GetLogger().Warn().Err(err).Str("channel", b.channel).Msg("Failed to unmarshal circuit event")
				continue
			}

			b.broadcast(&event)
		}
	}
}

func (b *RedisEventBus) broadcast(event *entities.CircuitEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subscriber := range b.subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber channel full, skip event
			observability.GetLogger().Warn().Str("event_id", event.ID).Msg("Circuit event subscriber full, skipping event")
		}
	}
}

func (b *RedisEventBus) removeSubscriber(eventChan chan *entities.CircuitEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[eventChan]; !ok {
		return
	}
	delete(b.subscribers, eventChan)
	close(eventChan)

	if len(b.subscribers) == 0 && b.subscription != nil {
		_ = b.subscription.Close()
		b.subscription = nil
	}
}

// Close closes the event bus and all subscriptions
func (b *RedisEventBus) Close() error {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	for subscriber := range b.subscribers {
		close(subscriber)
		delete(b.subscribers, subscriber)
	}

	if b.subscription != nil {
		err := b.subscription.Close()
		b.subscription = nil
		if err != nil {
			return fmt.Errorf("failed to close subscription %s: %w", b.channel, err)
		}
	}
	return nil
}
