package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/plantid/backend/internal/application/circuit"
	"github.com/zatekoja/plantid/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Identify(ctx context.Context, image []byte, opts entities.IdentificationOptions, deadline time.Time) (*entities.IdentificationResult, error) {
	args := m.Called(ctx, image, opts, deadline)
	result, _ := args.Get(0).(*entities.IdentificationResult)
	return result, args.Error(1)
}

func (m *mockService) InvalidateFingerprint(ctx context.Context, fingerprint string) (int, error) {
	args := m.Called(ctx, fingerprint)
	return args.Int(0), args.Error(1)
}

func (m *mockService) CircuitStates(ctx context.Context) ([]circuit.Status, error) {
	args := m.Called(ctx)
	states, _ := args.Get(0).([]circuit.Status)
	return states, args.Error(1)
}

func (m *mockService) ResetCircuit(ctx context.Context, provider string) error {
	return m.Called(ctx, provider).Error(0)
}

func (m *mockService) ForceOpenCircuit(ctx context.Context, provider string, d time.Duration) error {
	return m.Called(ctx, provider, d).Error(0)
}

var leaf = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRleaf")

func TestIdentificationHandler_RawBody(t *testing.T) {
	svc := new(mockService)
	svc.On("Identify", mock.Anything, leaf, entities.IdentificationOptions{
		IncludeDiseaseDetection: true,
		RequestedProviders:      []string{"plantid", "plantnet"},
	}, mock.AnythingOfType("time.Time")).
		Return(&entities.IdentificationResult{Fingerprint: "H1", PrimarySource: "plantid"}, nil)

	h := NewIdentificationHandler(svc, 1<<20)
	req := httptest.NewRequest(http.MethodPost, "/api/identify?disease=true&providers=plantid,%20plantnet&timeout_ms=2000", bytes.NewReader(leaf))
	req.Header.Set("Content-Type", "image/png")
	rec := httptest.NewRecorder()
	h.Identify(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result entities.IdentificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "H1", result.Fingerprint)

	deadline := svc.Calls[0].Arguments.Get(3).(time.Time)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
	svc.AssertExpectations(t)
}

func TestIdentificationHandler_Multipart(t *testing.T) {
	svc := new(mockService)
	svc.On("Identify", mock.Anything, leaf, entities.IdentificationOptions{}, time.Time{}).
		Return(&entities.IdentificationResult{Fingerprint: "H1"}, nil)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("image", "leaf.png")
	require.NoError(t, err)
	_, err = part.Write(leaf)
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/identify", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	NewIdentificationHandler(svc, 1<<20).Identify(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestIdentificationHandler_RejectsBadQuery(t *testing.T) {
	svc := new(mockService)
	h := NewIdentificationHandler(svc, 1<<20)

	for _, q := range []string{"disease=maybe", "timeout_ms=-5", "timeout_ms=soon"} {
		rec := httptest.NewRecorder()
		h.Identify(rec, httptest.NewRequest(http.MethodPost, "/api/identify?"+q, bytes.NewReader(leaf)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
	svc.AssertNotCalled(t, "Identify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIdentificationHandler_MapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorType
	}{
		{"invalid input", apperrors.NewInvalidInputError("image is empty"), http.StatusBadRequest, apperrors.ErrorTypeInvalidInput},
		{"retry later", apperrors.NewRetryLaterError("busy", nil), http.StatusTooManyRequests, apperrors.ErrorTypeRetryLater},
		{"all unavailable", apperrors.NewAllProvidersUnavailableError([]apperrors.ProviderFailure{
			{Provider: "plantid", Status: entities.AttemptCircuitOpen, Reason: "CIRCUIT_OPEN"},
		}), http.StatusServiceUnavailable, apperrors.ErrorTypeAllProvidersUnavailable},
		{"internal", apperrors.NewInternalError("redis exploded", nil), http.StatusInternalServerError, apperrors.ErrorTypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(mockService)
			svc.On("Identify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			rec := httptest.NewRecorder()
			NewIdentificationHandler(svc, 1<<20).Identify(rec, httptest.NewRequest(http.MethodPost, "/api/identify", bytes.NewReader(leaf)))

			assert.Equal(t, tt.status, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.NotContains(t, body.Error, "redis")
			if tt.code == apperrors.ErrorTypeAllProvidersUnavailable {
				require.Len(t, body.Providers, 1)
				assert.Equal(t, "plantid", body.Providers[0].Provider)
			}
			if tt.code == apperrors.ErrorTypeRetryLater {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestIdentificationHandler_OversizedBodyIsTruncated(t *testing.T) {
	svc := new(mockService)
	svc.On("Identify", mock.Anything, mock.MatchedBy(func(image []byte) bool { return len(image) == 17 }), mock.Anything, mock.Anything).
		Return(nil, apperrors.NewInvalidInputError("image exceeds the size limit"))

	rec := httptest.NewRecorder()
	body := strings.NewReader(string(leaf) + strings.Repeat("x", 100))
	NewIdentificationHandler(svc, 16).Identify(rec, httptest.NewRequest(http.MethodPost, "/api/identify", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestAdminHandler(t *testing.T) {
	svc := new(mockService)
	svc.On("CircuitStates", mock.Anything).Return([]circuit.Status{}, nil)
	svc.On("ResetCircuit", mock.Anything, "plantid").Return(nil)
	svc.On("ResetCircuit", mock.Anything, "nope").Return(apperrors.NewNotFoundError("unknown provider"))
	svc.On("ForceOpenCircuit", mock.Anything, "plantnet", 5*time.Minute).Return(nil)
	svc.On("InvalidateFingerprint", mock.Anything, "H1").Return(2, nil)

	h := NewAdminHandler(svc)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/admin/circuits", h.ListCircuits)
	mux.HandleFunc("POST /api/admin/circuits/{provider}/reset", h.ResetCircuit)
	mux.HandleFunc("POST /api/admin/circuits/{provider}/open", h.OpenCircuit)
	mux.HandleFunc("DELETE /api/admin/cache/{fingerprint}", h.InvalidateCache)

	do := func(method, target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/admin/circuits").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/api/admin/circuits/plantid/reset").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/api/admin/circuits/nope/reset").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/api/admin/circuits/plantnet/open?for=5m").Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/api/admin/circuits/plantnet/open?for=-1s").Code)

	rec := do(http.MethodDelete, "/api/admin/cache/H1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed":2`)
	svc.AssertExpectations(t)
}
