package api

import (
	"bytes"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/audit"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/report"
)

// AuditsHandler handles audit session endpoints.
type AuditsHandler struct {
	Audits *audit.Service
	Logger *zap.Logger
}

type openAuditRequest struct {
	Name       string `json:"name"`
	LocationID int64  `json:"location_id"`
}

type deleteAuditRequest struct {
	Password string `json:"password"`
}

// List handles GET /api/audits.
func (h *AuditsHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Audits.ListSessions(r.Context(), r.URL.Query().Get("state"))
	if err != nil {
		serviceError(w, h.Logger, err, "failed to list audits")
		return
	}
	if sessions == nil {
		sessions = []model.AuditSession{}
	}
	jsonResponse(w, http.StatusOK, sessions)
}

// Open handles POST /api/audits.
func (h *AuditsHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openAuditRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.Audits.OpenSession(r.Context(), actorFrom(r), req.Name, req.LocationID)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to open audit")
		return
	}
	jsonResponse(w, http.StatusCreated, session)
}

// Current handles GET /api/audits/current.
func (h *AuditsHandler) Current(w http.ResponseWriter, r *http.Request) {
	session, err := h.Audits.CurrentSession(r.Context())
	if err != nil {
		serviceError(w, h.Logger, err, "failed to get current audit")
		return
	}
	jsonResponse(w, http.StatusOK, session)
}

// Get handles GET /api/audits/{id}.
func (h *AuditsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid audit id")
		return
	}

	session, err := h.Audits.GetSession(r.Context(), id)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to get audit")
		return
	}
	jsonResponse(w, http.StatusOK, session)
}

// Close handles POST /api/audits/{id}/close.
func (h *AuditsHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid audit id")
		return
	}

	session, err := h.Audits.CloseSession(r.Context(), actorFrom(r), id)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to close audit")
		return
	}
	jsonResponse(w, http.StatusOK, session)
}

// Delete handles DELETE /api/audits/{id}. The body carries the caller's
// password as confirmation.
func (h *AuditsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid audit id")
		return
	}

	var req deleteAuditRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Audits.DeleteSession(r.Context(), actorFrom(r), id, req.Password); err != nil {
		serviceError(w, h.Logger, err, "failed to delete audit")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "audit deleted"})
}

// Export handles GET /api/audits/{id}/export. The workbook holds the items
// the caller is allowed to see.
func (h *AuditsHandler) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid audit id")
		return
	}

	session, err := h.Audits.GetSession(r.Context(), id)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to export audit")
		return
	}
	items, err := h.Audits.ListItems(r.Context(), actorFrom(r), id)
	if err != nil {
		serviceError(w, h.Logger, err, "failed to export audit")
		return
	}

	var buf bytes.Buffer
	if err := report.WriteSessionWorkbook(&buf, session, items); err != nil {
		serviceError(w, h.Logger, err, "failed to export audit")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename(session)))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.Logger.Warn("writing export", zap.Int64("session_id", id), zap.Error(err))
	}
}
