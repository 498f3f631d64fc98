package api

import (
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/auth"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	DB        *sql.DB
	JWTSecret string
	TokenTTL  time.Duration
	Logger    *zap.Logger
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		jsonError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := store.GetUserByUsername(r.Context(), h.DB, req.Username)
	if err != nil {
		h.Logger.Error("looking up user", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		h.Logger.Warn("login failed", zap.String("username", req.Username), zap.String("remote", r.RemoteAddr))
		jsonError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	expires := time.Now().Add(h.TokenTTL)
	token, err := auth.GenerateToken(h.JWTSecret, model.Actor{ID: user.ID, Username: user.Username}, h.TokenTTL)
	if err != nil {
		h.Logger.Error("generating token", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	h.Logger.Info("user logged in", zap.String("user", user.Username), zap.String("role", user.Role))
	jsonResponse(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires.UTC()})
}
