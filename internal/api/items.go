package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/audit"
	"github.com/erazemk/popis/internal/model"
)

// ItemsHandler handles counted item endpoints.
type ItemsHandler struct {
	Audits *audit.Service
	Logger *zap.Logger
}

// List handles GET /api/audits/{id}/items.
func (h *ItemsHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid audit id")
		return
	}

	items, err := h.Audits.ListItems(r.Context(), actorFrom(r), id)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to list items")
		return
	}
	if items == nil {
		items = []model.ReconciledItem{}
	}
	jsonResponse(w, http.StatusOK, items)
}

// Submit handles POST /api/audits/{id}/items. Resubmitting a product and
// primary lot replaces the earlier count.
func (h *ItemsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid audit id")
		return
	}

	var req audit.SubmitInput
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.SessionID = id

	item, err := h.Audits.SubmitItem(r.Context(), actorFrom(r), req)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to record item")
		return
	}
	jsonResponse(w, http.StatusCreated, item)
}

// Delete handles DELETE /api/items/{id}.
func (h *ItemsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	if err := h.Audits.RemoveItem(r.Context(), actorFrom(r), id); err != nil {
		serviceError(w, h.Logger, err, "failed to remove item")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "item removed"})
}
