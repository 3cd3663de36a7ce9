package service

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

// QueryHandler serves the read-only position endpoints.
type QueryHandler struct {
	cache    *PositionCache
	enricher *Enricher
	diag     *Diagnostics
}

func NewQueryHandler(cache *PositionCache, enricher *Enricher, diag *Diagnostics) *QueryHandler {
	return &QueryHandler{cache: cache, enricher: enricher, diag: diag}
}

// Health handles GET /health.
func (h *QueryHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// LastPositions handles GET /lastpos.
func (h *QueryHandler) LastPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.All())
}

// Weather handles GET /asset/{name}/weather.
func (h *QueryHandler) Weather(w http.ResponseWriter, r *http.Request) {
	out, err := h.enricher.Weather(r.Context(), mux.Vars(r)["name"])
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUpstream):
		writeError(w, http.StatusBadGateway, "OpenWeather failed")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

// Debug handles GET /asset/{name}/debug.
func (h *QueryHandler) Debug(w http.ResponseWriter, r *http.Request) {
	view, err := h.diag.Debug(r.Context(), mux.Vars(r)["name"])
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "no last position")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, view)
	}
}
