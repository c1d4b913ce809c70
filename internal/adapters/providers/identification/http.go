package identification

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

const (
	defaultHTTPTimeout = 8 * time.Second
	maxResponseBytes   = 4 << 20
)

// newHTTPClient returns a client whose spans join the caller's trace
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// statusError maps a non-2xx response onto the error taxonomy. Upstream bodies
// are never included; they can echo keys or image data. A 404 is an endpoint
// problem unless the provider uses it to report "no species found".
func statusError(provider string, status int, notFoundIsNoMatch bool) error {
	msg := fmt.Sprintf("%s returned status %d", provider, status)
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return apperrors.NewValidationError(msg)
	case http.StatusNotFound:
		if notFoundIsNoMatch {
			return apperrors.NewNotFoundError(msg)
		}
		return apperrors.NewExternalError(msg, nil)
	case http.StatusTooManyRequests:
		return apperrors.NewRateLimitedError(msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.NewExternalError(msg, apperrors.NewUnauthorizedError("provider rejected credentials"))
	default:
		return apperrors.NewExternalError(msg, nil)
	}
}

// drain discards the rest of a body so the connection can be reused
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseBytes))
	_ = body.Close()
}
