package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zatekoja/plantid/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error     string                      `json:"error"`
	Code      apperrors.ErrorType         `json:"code,omitempty"`
	Providers []apperrors.ProviderFailure `json:"providers,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.GetLogger().Debug().Err(err).Msg("Failed to write response")
	}
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, errorBody{Error: message})
}

// respondWithAppError maps the error taxonomy onto HTTP statuses. Internal
// details are logged, never returned.
func respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Code: apperrors.TypeOf(err)}
	status := statusFor(body.Code)

	var unavailable *apperrors.AllProvidersUnavailableError
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &unavailable):
		body.Error = "identification unavailable, try again later"
		body.Providers = unavailable.Failures
	case status == http.StatusInternalServerError:
		body.Error = "internal error"
	case errors.As(err, &appErr):
		body.Error = appErr.Message
	default:
		body.Error = "internal error"
	}

	if status >= http.StatusInternalServerError {
		observability.LoggerFromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	if body.Code == apperrors.ErrorTypeRetryLater {
		w.Header().Set("Retry-After", "1")
	}
	respondWithJSON(w, status, body)
}

func statusFor(t apperrors.ErrorType) int {
	switch t {
	case apperrors.ErrorTypeInvalidInput, apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict
	case apperrors.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrorTypeRateLimited, apperrors.ErrorTypeRetryLater:
		return http.StatusTooManyRequests
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrorTypeAllProvidersUnavailable, apperrors.ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	case apperrors.ErrorTypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
