package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
)

// LocationsHandler handles location endpoints.
type LocationsHandler struct {
	DB     *sql.DB
	Logger *zap.Logger
}

type createLocationRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// List handles GET /api/locations.
func (h *LocationsHandler) List(w http.ResponseWriter, r *http.Request) {
	locations, err := store.ListLocations(r.Context(), h.DB)
	if err != nil {
		h.Logger.Error("failed to list locations", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "failed to list locations")
		return
	}
	if locations == nil {
		locations = []model.Location{}
	}
	jsonResponse(w, http.StatusOK, locations)
}

// Create handles POST /api/locations.
func (h *LocationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createLocationRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Code = strings.TrimSpace(req.Code)
	req.Name = strings.TrimSpace(req.Name)
	if req.Code == "" || req.Name == "" {
		jsonError(w, http.StatusBadRequest, "code and name required")
		return
	}

	location, err := store.CreateLocation(r.Context(), h.DB, req.Code, req.Name)
	if errors.Is(err, store.ErrDuplicate) {
		jsonError(w, http.StatusConflict, "location code already exists")
		return
	}
	if err != nil {
		h.Logger.Error("failed to create location", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "failed to create location")
		return
	}

	h.Logger.Info("location created", zap.String("user", actorFrom(r).Username), zap.String("location", location.Code))
	jsonResponse(w, http.StatusCreated, location)
}

// Delete handles DELETE /api/locations/{id}. Lots and past audits at the
// location are kept.
func (h *LocationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid location id")
		return
	}

	location, err := store.GetActiveLocation(r.Context(), h.DB, id)
	if err != nil {
		h.Logger.Error("failed to get location", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "failed to delete location")
		return
	}
	if location == nil {
		jsonError(w, http.StatusNotFound, "location not found")
		return
	}

	if err := store.DeleteLocation(r.Context(), h.DB, id); err != nil {
		h.Logger.Error("failed to delete location", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "failed to delete location")
		return
	}

	h.Logger.Info("location deleted", zap.String("user", actorFrom(r).Username), zap.String("location", location.Code))
	jsonResponse(w, http.StatusOK, map[string]string{"message": "location deleted"})
}
