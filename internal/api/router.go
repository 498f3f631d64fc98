package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/audit"
	"github.com/erazemk/popis/internal/inventory"
	"github.com/erazemk/popis/internal/model"
)

// Config wires the router to its services.
type Config struct {
	DB        *sql.DB
	JWTSecret string
	TokenTTL  time.Duration
	Audits    *audit.Service
	Lots      *inventory.Service
	// Gatherer is served at /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter creates the API router with all endpoints registered.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	mux := http.NewServeMux()

	authHandler := &AuthHandler{DB: cfg.DB, JWTSecret: cfg.JWTSecret, TokenTTL: ttl, Logger: logger}
	locationsHandler := &LocationsHandler{DB: cfg.DB, Logger: logger}
	auditsHandler := &AuditsHandler{Audits: cfg.Audits, Logger: logger}
	itemsHandler := &ItemsHandler{Audits: cfg.Audits, Logger: logger}
	lotsHandler := &LotsHandler{Lots: cfg.Lots, Logger: logger}

	authMW := AuthMiddleware(cfg.JWTSecret)
	requireManager := RequireRole(cfg.DB, model.RoleManager)

	// Public: login.
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)

	// Locations: read (all roles), write (manager+).
	mux.Handle("GET /api/locations", authMW(http.HandlerFunc(locationsHandler.List)))
	mux.Handle("POST /api/locations", authMW(requireManager(http.HandlerFunc(locationsHandler.Create))))
	mux.Handle("DELETE /api/locations/{id}", authMW(requireManager(http.HandlerFunc(locationsHandler.Delete))))

	// Audit sessions. Capabilities are checked by the service.
	mux.Handle("GET /api/audits", authMW(http.HandlerFunc(auditsHandler.List)))
	mux.Handle("POST /api/audits", authMW(http.HandlerFunc(auditsHandler.Open)))
	mux.Handle("GET /api/audits/current", authMW(http.HandlerFunc(auditsHandler.Current)))
	mux.Handle("GET /api/audits/{id}", authMW(http.HandlerFunc(auditsHandler.Get)))
	mux.Handle("POST /api/audits/{id}/close", authMW(http.HandlerFunc(auditsHandler.Close)))
	mux.Handle("DELETE /api/audits/{id}", authMW(http.HandlerFunc(auditsHandler.Delete)))
	mux.Handle("GET /api/audits/{id}/export", authMW(http.HandlerFunc(auditsHandler.Export)))

	// Reconciled items.
	mux.Handle("GET /api/audits/{id}/items", authMW(http.HandlerFunc(itemsHandler.List)))
	mux.Handle("POST /api/audits/{id}/items", authMW(http.HandlerFunc(itemsHandler.Submit)))
	mux.Handle("DELETE /api/items/{id}", authMW(http.HandlerFunc(itemsHandler.Delete)))

	// Canonical lots.
	mux.Handle("GET /api/lots", authMW(http.HandlerFunc(lotsHandler.List)))
	mux.Handle("POST /api/lots", authMW(http.HandlerFunc(lotsHandler.Create)))
	mux.Handle("PUT /api/lots/{id}", authMW(http.HandlerFunc(lotsHandler.Update)))
	mux.Handle("DELETE /api/lots/{id}", authMW(http.HandlerFunc(lotsHandler.Delete)))
	mux.Handle("POST /api/lots/reselect", authMW(http.HandlerFunc(lotsHandler.Reselect)))

	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}
