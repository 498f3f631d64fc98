package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/inventory"
	"github.com/erazemk/popis/internal/model"
)

// LotsHandler handles canonical lot endpoints.
type LotsHandler struct {
	Lots   *inventory.Service
	Logger *zap.Logger
}

type reselectRequest struct {
	ProductCode string `json:"product_code"`
	LocationID  int64  `json:"location_id"`
}

// List handles GET /api/lots?product_code=&location_id=.
func (h *LotsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var locationID int64
	if v := q.Get("location_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "invalid location id")
			return
		}
		locationID = id
	}

	lots, err := h.Lots.ListLots(r.Context(), q.Get("product_code"), locationID)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to list lots")
		return
	}
	if lots == nil {
		lots = []model.CanonicalLot{}
	}
	jsonResponse(w, http.StatusOK, lots)
}

// Create handles POST /api/lots.
func (h *LotsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req inventory.LotInput
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lot, err := h.Lots.CreateLot(r.Context(), actorFrom(r), req)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to create lot")
		return
	}
	jsonResponse(w, http.StatusCreated, lot)
}

// Update handles PUT /api/lots/{id}.
func (h *LotsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid lot id")
		return
	}

	var req inventory.LotUpdate
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lot, err := h.Lots.UpdateLot(r.Context(), actorFrom(r), id, req)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to update lot")
		return
	}
	jsonResponse(w, http.StatusOK, lot)
}

// Delete handles DELETE /api/lots/{id}.
func (h *LotsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid lot id")
		return
	}

	if err := h.Lots.DeleteLot(r.Context(), actorFrom(r), id); err != nil {
		serviceError(w, h.Logger, err, "failed to delete lot")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "lot deleted"})
}

// Reselect handles POST /api/lots/reselect. Without a product code every
// product at every location is reselected.
func (h *LotsHandler) Reselect(w http.ResponseWriter, r *http.Request) {
	var req reselectRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if req.ProductCode == "" {
		n, err := h.Lots.ReselectAll(r.Context(), actorFrom(r))
		if err != nil {
			serviceError(w, h.Logger, err, "failed to reselect lots")
			return
		}
		jsonResponse(w, http.StatusOK, map[string]int{"pairs": n})
		return
	}

	if req.LocationID <= 0 {
		jsonError(w, http.StatusBadRequest, "location_id required")
		return
	}
	lot, err := h.Lots.Reselect(r.Context(), actorFrom(r), req.ProductCode, req.LocationID)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to reselect lots")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"active": lot})
}
