package providers

import (
	"context"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
)

// CircuitEventChannelSuffix is appended to the key prefix to name the pub/sub channel
const CircuitEventChannelSuffix = "circuit:events"

// CircuitEventBus defines the interface for publishing and subscribing to circuit transitions
type CircuitEventBus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, event *entities.CircuitEvent) error

	// Subscribe returns a channel of events; it is closed when ctx ends or the bus closes
	Subscribe(ctx context.Context) (<-chan *entities.CircuitEvent, error)

	// Close closes the event bus and all subscriptions
	Close() error
}
