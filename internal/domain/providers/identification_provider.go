package providers

import (
	"context"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
)

// IdentificationProvider performs one call to one external identification service
type IdentificationProvider interface {
	// Name returns the configured provider identifier
	Name() string

	// Identify sends the image and returns the normalised payload or a typed error
	Identify(ctx context.Context, req *entities.IdentificationRequest) (*entities.ProviderPayload, error)
}

// SpeciesResolver maps a provider suggestion to a canonical species identifier.
// It is owned by the catalogue service and consumed here as a black box.
type SpeciesResolver interface {
	Resolve(ctx context.Context, suggestion entities.RankedSuggestion) (string, error)
}

// CircuitStateStore persists breaker state so every process sees the same health signal
type CircuitStateStore interface {
	// Load returns the current state, or the initial CLOSED state when none exists
	Load(ctx context.Context, provider string) (entities.CircuitState, error)

	// CompareAndSwap writes next only if the stored version still equals prev.Version
	CompareAndSwap(ctx context.Context, prev, next entities.CircuitState) (bool, error)
}
