package identification

import (
	"fmt"
	"time"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	"github.com/zatekoja/plantid/backend/internal/infrastructure/observability"
	"github.com/zatekoja/plantid/backend/pkg/config"
)

const mockLatency = 150 * time.Millisecond

// Binding is a constructed provider with the configuration the orchestrator needs
type Binding struct {
	Provider providers.IdentificationProvider
	Role     entities.ProviderRole
	Config   config.ProviderConfig
	Mock     bool
}

// FactoryConfig configures provider construction
type FactoryConfig struct {
	// AllowMockFallback substitutes a mock for real providers without an API key
	AllowMockFallback bool
}

// NewProviders builds one binding per configured provider, in configuration order
func NewProviders(cfgs []config.ProviderConfig, fc FactoryConfig) ([]Binding, error) {
	bindings := make([]Binding, 0, len(cfgs))
	for _, pc := range cfgs {
		b, err := newBinding(pc, fc)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

func newBinding(pc config.ProviderConfig, fc FactoryConfig) (Binding, error) {
	b := Binding{Role: entities.ProviderRole(pc.Role), Config: pc}

	switch pc.Kind {
	case config.ProviderKindMock:
		b.Provider = NewMockProvider(pc.Name, mockLatency, pc.Role == config.RolePrimary)
		b.Mock = true
		return b, nil
	case config.ProviderKindPlantID, config.ProviderKindPlantNet:
	default:
		return Binding{}, fmt.Errorf("provider %q has unknown kind %q", pc.Name, pc.Kind)
	}

	if pc.APIKey == "" {
		if !fc.AllowMockFallback {
			return Binding{}, fmt.Errorf("provider %q has no api key", pc.Name)
		}
		// No real provider configured; use mock provider for dev.
		observability.GetLogger().Warn().
			Str("provider", pc.Name).
			Msg("API key missing, using mock identification provider")
		b.Provider = NewMockProvider(pc.Name, mockLatency, pc.Kind == config.ProviderKindPlantID)
		b.Mock = true
		return b, nil
	}

	if pc.Kind == config.ProviderKindPlantID {
		b.Provider = NewPlantIDClient(pc)
	} else {
		b.Provider = NewPlantNetClient(pc)
	}
	return b, nil
}
