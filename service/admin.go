package service

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// AdminTokenHeader carries the shared secret for directory mutations.
const AdminTokenHeader = "X-Admin-Token"

// RequireAdmin rejects requests whose admin token does not match token.
func RequireAdmin(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := checkAdminToken(token, r.Header.Get(AdminTokenHeader)); err != nil {
				slog.Warn("admin request rejected", "error", err, "method", r.Method, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "Invalid "+AdminTokenHeader)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func checkAdminToken(want, got string) error {
	if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// MappingHandler serves the device directory management routes.
type MappingHandler struct {
	dir *Directory
}

func NewMappingHandler(dir *Directory) *MappingHandler {
	return &MappingHandler{dir: dir}
}

type mappingIn struct {
	Name string `json:"name"`
	IMEI string `json:"imei"`
}

// List handles GET /mappings.
func (h *MappingHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dir.List())
}

// Add handles POST /mappings.
func (h *MappingHandler) Add(w http.ResponseWriter, r *http.Request) {
	var in mappingIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.dir.Add(r.Context(), in.Name, in.IMEI); err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "mappings": h.dir.List()})
}

// Edit handles PUT /mappings/{name}.
func (h *MappingHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var in mappingIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.dir.Edit(r.Context(), mux.Vars(r)["name"], in.Name, in.IMEI); err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mappings": h.dir.List()})
}

// Delete handles DELETE /mappings/{name}.
func (h *MappingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.dir.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mappings": h.dir.List()})
}

func writeDirectoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
