package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ObservabilityMiddleware adds OpenTelemetry tracing and HTTP server metrics
func ObservabilityMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + routeGroup(r.URL.Path)
			}),
		)
	}
}

// routeGroup keeps span names low-cardinality: path parameters such as
// provider names and fingerprints are dropped.
func routeGroup(path string) string {
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 4)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}
