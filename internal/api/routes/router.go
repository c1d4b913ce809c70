package routes

import (
	"net/http"

	"github.com/zatekoja/plantid/backend/internal/api/handlers"
	"github.com/zatekoja/plantid/backend/internal/api/middleware"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	identificationHandler *handlers.IdentificationHandler
	adminHandler          *handlers.AdminHandler

	serviceName    string
	allowedOrigins []string
}

// NewRouter creates a new router. A nil admin handler leaves the admin
// endpoints unmounted.
func NewRouter(
	identificationHandler *handlers.IdentificationHandler,
	adminHandler *handlers.AdminHandler,
	serviceName string,
	allowedOrigins []string,
) *Router {
	return &Router{
		mux:                   http.NewServeMux(),
		identificationHandler: identificationHandler,
		adminHandler:          adminHandler,
		serviceName:           serviceName,
		allowedOrigins:        allowedOrigins,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	r.mux.HandleFunc("POST /api/identify", r.identificationHandler.Identify)

	if r.adminHandler != nil {
		r.mux.HandleFunc("GET /api/admin/circuits", r.adminHandler.ListCircuits)
		r.mux.HandleFunc("POST /api/admin/circuits/{provider}/reset", r.adminHandler.ResetCircuit)
		r.mux.HandleFunc("POST /api/admin/circuits/{provider}/open", r.adminHandler.OpenCircuit)
		r.mux.HandleFunc("DELETE /api/admin/cache/{fingerprint}", r.adminHandler.InvalidateCache)
	}

	// Last applied wraps outermost
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.serviceName)(handler)
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
