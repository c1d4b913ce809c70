package providers

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when the key is absent or expired
var ErrKeyNotFound = errors.New("key not found")

// KeyValueStore is the minimal shared store contract used for the result cache,
// lease coordination and circuit state. Every write carries its own TTL.
type KeyValueStore interface {
	// Get retrieves a value; returns ErrKeyNotFound when absent
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with expiration, overwriting any previous value
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores a value only if the key is absent
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value only if the current value equals old
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the key only if the current value equals expected
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// Delete removes keys
	Delete(ctx context.Context, keys ...string) error

	// TTL returns the remaining lifetime; zero when the key is absent
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// PatternDeleter is implemented by stores that can match keys by glob pattern
type PatternDeleter interface {
	DeletePattern(ctx context.Context, pattern string) (int, error)
}
