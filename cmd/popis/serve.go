package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/api"
	"github.com/erazemk/popis/internal/audit"
	"github.com/erazemk/popis/internal/auth"
	"github.com/erazemk/popis/internal/events"
	"github.com/erazemk/popis/internal/idgen"
	"github.com/erazemk/popis/internal/inventory"
	"github.com/erazemk/popis/internal/metrics"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/trail"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.close()

	cfg, logger := rt.cfg, rt.logger
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	logger.Info("database ready", zap.String("path", cfg.Database.Path))

	// A close interrupted by a previous shutdown leaves its session claimed.
	released, err := store.ReleaseAuditMerges(cmd.Context(), rt.db)
	if err != nil {
		return err
	}
	if released > 0 {
		logger.Warn("released interrupted audit closes", zap.Int("sessions", released))
	}

	// Load JWT secret from database (auto-generated on first run).
	jwtSecret, err := store.GetJWTSecret(cmd.Context(), rt.db)
	if err != nil {
		return fmt.Errorf("getting JWT secret: %w", err)
	}

	var emitter audit.Emitter = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("popis"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nc.Drain()
		emitter = events.NewNATSEmitter(nc, cfg.NATS.Prefix, logger)
		logger.Info("publishing events", zap.String("url", cfg.NATS.URL), zap.String("prefix", cfg.NATS.Prefix))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	codes, err := idgen.New(cfg.IDGen.Node, "AUD")
	if err != nil {
		return err
	}

	authz := auth.NewRoleAuthorizer(rt.db, logger)
	actions := trail.NewStore(rt.db, logger)

	audits, err := audit.NewService(rt.db, audit.Options{
		Authorizer: authz,
		Verifier:   auth.NewPasswordVerifier(rt.db),
		Emitter:    emitter,
		Trail:      actions,
		Codes:      codes,
		Metrics:    m,
		Logger:     logger.Named("audit"),
	})
	if err != nil {
		return err
	}
	lots := inventory.NewService(rt.db, authz, emitter, actions, m, logger.Named("inventory"))

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = reg
	}
	router := api.NewRouter(api.Config{
		DB:        rt.db,
		JWTSecret: jwtSecret,
		TokenTTL:  cfg.Auth.TokenTTL,
		Audits:    audits,
		Lots:      lots,
		Gatherer:  gatherer,
		Logger:    logger.Named("api"),
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.LoggingMiddleware(logger.Named("http"))(router),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", cfg.Server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}

	logger.Info("server stopped, closing database")
	return nil
}
