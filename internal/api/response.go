package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/audit"
)

// jsonResponse writes a JSON response with the given status code.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			zap.L().Warn("encoding response", zap.Error(err))
		}
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a JSON request body into the given target.
func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(target)
}

// statusFor maps a service error kind to an HTTP status.
func statusFor(kind audit.Kind) int {
	switch kind {
	case audit.KindInvalidInput:
		return http.StatusBadRequest
	case audit.KindUnauthorized:
		return http.StatusUnauthorized
	case audit.KindForbidden:
		return http.StatusForbidden
	case audit.KindNotFound:
		return http.StatusNotFound
	case audit.KindConflict, audit.KindInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// serviceError writes err returned by a service. Internal failures are logged
// and hidden behind fallback.
func serviceError(w http.ResponseWriter, logger *zap.Logger, err error, fallback string) {
	var e *audit.Error
	if !errors.As(err, &e) {
		logger.Error(fallback, zap.Error(err))
		jsonError(w, http.StatusInternalServerError, fallback)
		return
	}

	body := map[string]string{"error": e.Error(), "kind": e.Kind.String()}
	if e.Code != "" {
		body["code"] = e.Code
	}
	jsonResponse(w, statusFor(e.Kind), body)
}
