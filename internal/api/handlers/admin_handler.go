package handlers

import (
	"net/http"
	"strings"
	"time"

	apperrors "github.com/zatekoja/plantid/backend/pkg/errors"
)

// AdminHandler exposes circuit and cache overrides for operators
type AdminHandler struct {
	service IdentificationService
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service IdentificationService) *AdminHandler {
	return &AdminHandler{service: service}
}

// ListCircuits handles GET /api/admin/circuits
func (h *AdminHandler) ListCircuits(w http.ResponseWriter, r *http.Request) {
	states, err := h.service.CircuitStates(r.Context())
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"circuits": states,
	})
}

// ResetCircuit handles POST /api/admin/circuits/{provider}/reset
func (h *AdminHandler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if err := h.service.ResetCircuit(r.Context(), provider); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"provider": provider,
		"state":    "CLOSED",
	})
}

// OpenCircuit handles POST /api/admin/circuits/{provider}/open?for=5m
func (h *AdminHandler) OpenCircuit(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	var d time.Duration
	if v := strings.TrimSpace(r.URL.Query().Get("for")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			respondWithAppError(w, r, apperrors.NewValidationError("for must be a positive duration"))
			return
		}
		d = parsed
	}

	if err := h.service.ForceOpenCircuit(r.Context(), provider, d); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"provider": provider,
		"state":    "OPEN",
	})
}

// InvalidateCache handles DELETE /api/admin/cache/{fingerprint}
func (h *AdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.PathValue("fingerprint")
	removed, err := h.service.InvalidateFingerprint(r.Context(), fingerprint)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"fingerprint": fingerprint,
		"removed":     removed,
	})
}
