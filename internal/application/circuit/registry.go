package circuit

import (
	"context"
	"fmt"
	"sort"

	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

// Registry holds one breaker per configured provider
type Registry struct {
	breakers map[string]*Breaker
	names    []string
}

// NewRegistry creates breakers for every provider in settings over one shared store
func NewRegistry(store providers.CircuitStateStore, settings map[string]Settings, opts ...Option) *Registry {
	o := buildOptions(opts)
	r := &Registry{breakers: make(map[string]*Breaker, len(settings))}
	for name, s := range settings {
		r.breakers[name] = newBreaker(name, s, store, o)
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r
}

// Get returns the breaker for provider
func (r *Registry) Get(provider string) (*Breaker, error) {
	b, ok := r.breakers[provider]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no circuit for provider %q", provider))
	}
	return b, nil
}

// Providers returns the registered provider names in sorted order
func (r *Registry) Providers() []string {
	return append([]string(nil), r.names...)
}

// States returns every circuit in provider order
func (r *Registry) States(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(r.names))
	for _, name := range r.names {
		status, err := r.breakers[name].State(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read circuit %s: %w", name, err)
		}
		out = append(out, status)
	}
	return out, nil
}
