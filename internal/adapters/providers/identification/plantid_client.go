package identification

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	"github.com/zatekoja/plantid/backend/pkg/config"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

const (
	plantIDDefaultBaseURL = "https://plant.id/api/v3"
	plantIDDetails        = "common_names,taxonomy,gbif_id,description,watering,best_light_condition,best_soil_type,toxicity"
)

// PlantIDClient calls the paid Plant.id identification API
type PlantIDClient struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ providers.IdentificationProvider = (*PlantIDClient)(nil)

// NewPlantIDClient creates a Plant.id client from provider configuration
func NewPlantIDClient(cfg config.ProviderConfig) *PlantIDClient {
	return NewPlantIDClientWithOptions(cfg, nil)
}

// NewPlantIDClientWithOptions allows overriding the HTTP client (used for tests)
func NewPlantIDClientWithOptions(cfg config.ProviderConfig, httpClient *http.Client) *PlantIDClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = plantIDDefaultBaseURL
	}
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.Timeout)
	}
	name := cfg.Name
	if name == "" {
		name = config.ProviderKindPlantID
	}
	return &PlantIDClient{
		name:       name,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// Name returns the provider identifier
func (c *PlantIDClient) Name() string {
	return c.name
}

// Identify submits the image and normalises suggestions, care details and health findings
func (c *PlantIDClient) Identify(ctx context.Context, req *entities.IdentificationRequest) (*entities.ProviderPayload, error) {
	if c.apiKey == "" {
		return nil, apperrors.NewExternalError("plant.id api key is required", nil)
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(req.Image)
	}
	body := plantIDRequest{
		Images:        []string{"data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(req.Image)},
		SimilarImages: false,
	}
	if req.Options.IncludeDiseaseDetection {
		body.Health = "all"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode plant.id request", err)
	}

	reqURL := fmt.Sprintf("%s/identification?details=%s", c.baseURL, plantIDDetails)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build plant.id request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewExternalError("plant.id request failed", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Plant.id reports no match as 200 with empty suggestions
		return nil, statusError(c.name, resp.StatusCode, false)
	}

	var decoded plantIDResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		return nil, apperrors.NewExternalError("failed to decode plant.id response", err)
	}

	return decoded.toPayload(c.name), nil
}

type plantIDRequest struct {
	Images        []string `json:"images"`
	SimilarImages bool     `json:"similar_images"`
	Health        string   `json:"health,omitempty"`
}

type plantIDResponse struct {
	AccessToken string        `json:"access_token"`
	Result      plantIDResult `json:"result"`
}

type plantIDResult struct {
	IsPlant        *plantIDProbability `json:"is_plant"`
	Classification struct {
		Suggestions []plantIDSuggestion `json:"suggestions"`
	} `json:"classification"`
	Disease *struct {
		Suggestions []plantIDDisease `json:"suggestions"`
	} `json:"disease"`
}

type plantIDProbability struct {
	Probability float64 `json:"probability"`
}

type plantIDSuggestion struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	Details     struct {
		CommonNames []string `json:"common_names"`
		Taxonomy    struct {
			Family string `json:"family"`
			Genus  string `json:"genus"`
		} `json:"taxonomy"`
		GbifID      *int64 `json:"gbif_id"`
		Description *struct {
			Value string `json:"value"`
		} `json:"description"`
		Watering *struct {
			Min int `json:"min"`
			Max int `json:"max"`
		} `json:"watering"`
		BestLightCondition string `json:"best_light_condition"`
		BestSoilType       string `json:"best_soil_type"`
		Toxicity           string `json:"toxicity"`
	} `json:"details"`
}

type plantIDDisease struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	Details     struct {
		Description string `json:"description"`
	} `json:"details"`
}

func (r plantIDResponse) toPayload(provider string) *entities.ProviderPayload {
	out := &entities.ProviderPayload{
		Suggestions:       make([]entities.Suggestion, 0, len(r.Result.Classification.Suggestions)),
		ExternalRequestID: r.AccessToken,
	}
	if r.Result.IsPlant != nil {
		p := r.Result.IsPlant.Probability
		out.IsPlantProbability = &p
	}

	for _, s := range r.Result.Classification.Suggestions {
		suggestion := entities.Suggestion{
			Name:        s.Name,
			CommonNames: s.Details.CommonNames,
			Confidence:  s.Probability,
			Family:      s.Details.Taxonomy.Family,
			Genus:       s.Details.Taxonomy.Genus,
			ExternalID:  s.ID,
		}
		if s.Details.GbifID != nil {
			suggestion.ExternalID = "gbif:" + strconv.FormatInt(*s.Details.GbifID, 10)
		}
		out.Suggestions = append(out.Suggestions, suggestion)
	}

	// Care details describe the top suggestion
	if len(r.Result.Classification.Suggestions) > 0 {
		top := r.Result.Classification.Suggestions[0].Details
		care := &entities.CareInfo{
			Light:    top.BestLightCondition,
			Soil:     top.BestSoilType,
			Toxicity: top.Toxicity,
			Source:   provider,
		}
		if top.Watering != nil {
			care.Watering = wateringLabel(top.Watering.Min, top.Watering.Max)
		}
		if top.Description != nil {
			care.Description = top.Description.Value
		}
		if *care != (entities.CareInfo{Source: provider}) {
			out.Care = care
		}
	}

	if r.Result.Disease != nil {
		for _, d := range r.Result.Disease.Suggestions {
			out.Diseases = append(out.Diseases, entities.DiseaseSuggestion{
				Name:        d.Name,
				Confidence:  d.Probability,
				Description: d.Details.Description,
				Source:      provider,
			})
		}
	}
	return out
}

// wateringLabel turns the 1 (dry) to 3 (wet) scale into text
func wateringLabel(minLevel, maxLevel int) string {
	labels := map[int]string{1: "dry", 2: "medium", 3: "wet"}
	lo, hi := labels[minLevel], labels[maxLevel]
	switch {
	case lo == "" && hi == "":
		return ""
	case lo == hi || hi == "":
		return lo
	case lo == "":
		return hi
	default:
		return lo + " to " + hi
	}
}
