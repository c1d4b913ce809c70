package identification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	"github.com/zatekoja/plantid/backend/internal/domain/providers"
	"github.com/zatekoja/plantid/backend/pkg/config"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

const (
	plantNetDefaultBaseURL = "https://my-api.plantnet.org"
	plantNetProject        = "all"
)

// PlantNetClient calls the free Pl@ntNet identification API
type PlantNetClient struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ providers.IdentificationProvider = (*PlantNetClient)(nil)

// NewPlantNetClient creates a Pl@ntNet client from provider configuration
func NewPlantNetClient(cfg config.ProviderConfig) *PlantNetClient {
	return NewPlantNetClientWithOptions(cfg, nil)
}

// NewPlantNetClientWithOptions allows overriding the HTTP client (used for tests)
func NewPlantNetClientWithOptions(cfg config.ProviderConfig, httpClient *http.Client) *PlantNetClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = plantNetDefaultBaseURL
	}
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.Timeout)
	}
	name := cfg.Name
	if name == "" {
		name = config.ProviderKindPlantNet
	}
	return &PlantNetClient{
		name:       name,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// Name returns the provider identifier
func (c *PlantNetClient) Name() string {
	return c.name
}

// Identify uploads the image as multipart form data and normalises scored species
func (c *PlantNetClient) Identify(ctx context.Context, req *entities.IdentificationRequest) (*entities.ProviderPayload, error) {
	if c.apiKey == "" {
		return nil, apperrors.NewExternalError("pl@ntnet api key is required", nil)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	contentType := req.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(req.Image)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="images"; filename="upload"`)
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build pl@ntnet form", err)
	}
	if _, err := part.Write(req.Image); err != nil {
		return nil, apperrors.NewInternalError("failed to build pl@ntnet form", err)
	}
	if err := form.WriteField("organs", "auto"); err != nil {
		return nil, apperrors.NewInternalError("failed to build pl@ntnet form", err)
	}
	if err := form.Close(); err != nil {
		return nil, apperrors.NewInternalError("failed to build pl@ntnet form", err)
	}

	params := url.Values{}
	params.Set("api-key", c.apiKey)
	params.Set("include-related-images", "false")
	reqURL := fmt.Sprintf("%s/v2/identify/%s?%s", c.baseURL, plantNetProject, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build pl@ntnet request", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// The URL carries the api key, so only the cause is kept
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, apperrors.NewExternalError("pl@ntnet request failed", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Pl@ntNet answers 404 when no species matches the image
		return nil, statusError(c.name, resp.StatusCode, true)
	}

	var decoded plantNetResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		return nil, apperrors.NewExternalError("failed to decode pl@ntnet response", err)
	}
	return decoded.toPayload(), nil
}

type plantNetResponse struct {
	Results []struct {
		Score   float64 `json:"score"`
		Species struct {
			ScientificNameWithoutAuthor string   `json:"scientificNameWithoutAuthor"`
			CommonNames                 []string `json:"commonNames"`
			Genus                       struct {
				ScientificNameWithoutAuthor string `json:"scientificNameWithoutAuthor"`
			} `json:"genus"`
			Family struct {
				ScientificNameWithoutAuthor string `json:"scientificNameWithoutAuthor"`
			} `json:"family"`
		} `json:"species"`
		Gbif *struct {
			ID string `json:"id"`
		} `json:"gbif"`
	} `json:"results"`
	RemainingIdentificationRequests *int `json:"remainingIdentificationRequests"`
}

func (r plantNetResponse) toPayload() *entities.ProviderPayload {
	out := &entities.ProviderPayload{
		Suggestions:    make([]entities.Suggestion, 0, len(r.Results)),
		RemainingQuota: r.RemainingIdentificationRequests,
	}
	for _, res := range r.Results {
		s := entities.Suggestion{
			Name:        res.Species.ScientificNameWithoutAuthor,
			CommonNames: res.Species.CommonNames,
			Confidence:  res.Score,
			Family:      res.Species.Family.ScientificNameWithoutAuthor,
			Genus:       res.Species.Genus.ScientificNameWithoutAuthor,
		}
		if res.Gbif != nil && res.Gbif.ID != "" {
			s.ExternalID = "gbif:" + res.Gbif.ID
		}
		out.Suggestions = append(out.Suggestions, s)
	}
	return out
}
