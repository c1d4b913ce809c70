package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zatekoja/plantid/backend/internal/application/circuit"
	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

// multipartOverhead is allowed on top of the image size for form framing
const multipartOverhead = 64 << 10

// IdentificationService is the orchestrator surface the HTTP layer needs
type IdentificationService interface {
	Identify(ctx context.Context, image []byte, opts entities.IdentificationOptions, deadline time.Time) (*entities.IdentificationResult, error)
	InvalidateFingerprint(ctx context.Context, fingerprint string) (int, error)
	CircuitStates(ctx context.Context) ([]circuit.Status, error)
	ResetCircuit(ctx context.Context, provider string) error
	ForceOpenCircuit(ctx context.Context, provider string, d time.Duration) error
}

// IdentificationHandler handles plant identification endpoints
type IdentificationHandler struct {
	service       IdentificationService
	maxImageBytes int64
}

// NewIdentificationHandler creates a new identification handler
func NewIdentificationHandler(service IdentificationService, maxImageBytes int) *IdentificationHandler {
	return &IdentificationHandler{service: service, maxImageBytes: int64(maxImageBytes)}
}

// Identify handles POST /api/identify
//
// The image is either the raw request body or the "image" field of a
// multipart form. Query parameters: disease=true, providers=a,b and
// timeout_ms.
func (h *IdentificationHandler) Identify(w http.ResponseWriter, r *http.Request) {
	opts, deadline, err := parseIdentifyQuery(r)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	image, err := h.readImage(w, r)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	result, err := h.service.Identify(r.Context(), image, opts, deadline)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func parseIdentifyQuery(r *http.Request) (entities.IdentificationOptions, time.Time, error) {
	q := r.URL.Query()
	var opts entities.IdentificationOptions
	var deadline time.Time

	if v := q.Get("disease"); v != "" {
		disease, err := strconv.ParseBool(v)
		if err != nil {
			return opts, deadline, apperrors.NewInvalidInputError("disease must be true or false")
		}
		opts.IncludeDiseaseDetection = disease
	}
	if v := strings.TrimSpace(q.Get("providers")); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				opts.RequestedProviders = append(opts.RequestedProviders, name)
			}
		}
	}
	if v := q.Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return opts, deadline, apperrors.NewInvalidInputError("timeout_ms must be a positive integer")
		}
		deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}
	return opts, deadline, nil
}

// readImage returns the uploaded bytes. Oversized bodies are cut one byte past
// the limit so the orchestrator reports them as too large.
func (h *IdentificationHandler) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := h.maxImageBytes + 1

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
		file, _, err := r.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, apperrors.NewInvalidInputError("image exceeds the size limit")
			}
			return nil, apperrors.NewInvalidInputError("multipart form must carry an image field")
		}
		defer file.Close()
		return readLimited(file, limit)
	}
	return readLimited(r.Body, limit)
}

func readLimited(src io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(src, limit))
	if err != nil {
		return nil, apperrors.NewInvalidInputError("failed to read image")
	}
	return data, nil
}
