package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
)

// MemoryEventBus delivers circuit events within one process
type MemoryEventBus struct {
	mu          sync.Mutex
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup
	subscribers map[chan *entities.CircuitEvent]struct{}
}

var _ providers.CircuitEventBus = (*MemoryEventBus)(nil)

// NewMemoryEventBus creates an in-process event bus
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		done:        make(chan struct{}),
		subscribers: make(map[chan *entities.CircuitEvent]struct{}),
	}
}

// Publish delivers the event to every subscriber with buffer space
func (b *MemoryEventBus) Publish(_ context.Context, event *entities.CircuitEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	for subscriber := range b.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx ends or the bus is closed
func (b *MemoryEventBus) Subscribe(ctx context.Context) (<-chan *entities.CircuitEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	eventChan := make(chan *entities.CircuitEvent, subscriberBuffer)
	b.subscribers[eventChan] = struct{}{}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[eventChan]; ok {
			delete(b.subscribers, eventChan)
			close(eventChan)
		}
	}()
	return eventChan, nil
}

// Close closes every subscriber channel and waits for their watchers to exit
func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	for subscriber := range b.subscribers {
		delete(b.subscribers, subscriber)
		close(subscriber)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
