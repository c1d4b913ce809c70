package identification

import (
	"context"
	"time"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
)

// MockProvider implements a deterministic identification provider for development.
// The same image always yields the same suggestions.
type MockProvider struct {
	name     string
	latency  time.Duration
	withCare bool
}

var _ providers.IdentificationProvider = (*MockProvider)(nil)

var mockSpecies = []entities.Suggestion{
	{Name: "Monstera deliciosa", CommonNames: []string{"Swiss cheese plant"}, Family: "Araceae", Genus: "Monstera", ExternalID: "gbif:2868241"},
	{Name: "Ficus lyrata", CommonNames: []string{"Fiddle-leaf fig"}, Family: "Moraceae", Genus: "Ficus", ExternalID: "gbif:5361932"},
	{Name: "Epipremnum aureum", CommonNames: []string{"Golden pothos"}, Family: "Araceae", Genus: "Epipremnum", ExternalID: "gbif:2868323"},
	{Name: "Sansevieria trifasciata", CommonNames: []string{"Snake plant"}, Family: "Asparagaceae", Genus: "Sansevieria", ExternalID: "gbif:2768919"},
	{Name: "Calathea orbifolia", CommonNames: []string{"Prayer plant"}, Family: "Marantaceae", Genus: "Calathea", ExternalID: "gbif:7603393"},
}

// NewMockProvider creates a mock provider. withCare adds care details to its payloads.
func NewMockProvider(name string, latency time.Duration, withCare bool) *MockProvider {
	return &MockProvider{name: name, latency: latency, withCare: withCare}
}

// Name returns the provider identifier
func (m *MockProvider) Name() string {
	return m.name
}

// Identify returns three suggestions picked from the image fingerprint
func (m *MockProvider) Identify(ctx context.Context, req *entities.IdentificationRequest) (*entities.ProviderPayload, error) {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	seed := 0
	if len(req.Fingerprint) > 0 {
		seed = int(req.Fingerprint[0])
	}
	confidences := []float64{0.86, 0.09, 0.03}
	out := &entities.ProviderPayload{}
	for i, c := range confidences {
		s := mockSpecies[(seed+i)%len(mockSpecies)]
		s.CommonNames = append([]string(nil), s.CommonNames...)
		s.Confidence = c
		out.Suggestions = append(out.Suggestions, s)
	}

	if m.withCare {
		out.Care = &entities.CareInfo{
			Watering: "medium",
			Light:    "bright indirect light",
			Soil:     "well-draining potting mix",
			Source:   m.name,
		}
	}
	if req.Options.IncludeDiseaseDetection {
		out.Diseases = []entities.DiseaseSuggestion{
			{Name: "water excess or uneven watering", Confidence: 0.12, Source: m.name},
		}
	}
	return out, nil
}
