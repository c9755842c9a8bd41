// Command mfa-api is the HTTP API server for the MFA service.
//
// Purpose:
//   This binary serves the multi-factor authentication API: TOTP
//   provisioning and verification, backup code consumption, and trusted
//   device checks. It initializes core dependencies (Postgres, optional
//   Redis and Kafka mirror) via bootstrap, registers the MFA routes, and
//   serves HTTP requests with graceful shutdown handling.
//
// Dependencies:
//   - internal/bootstrap: Runtime initialization and lifecycle management
//   - internal/config: Configuration from environment variables
//   - internal/httpapi/mfa: MFA endpoint handlers
//   - internal/identity: Caller resolution from gateway headers
//   - internal/server: HTTP server with health/readiness endpoints
//   - internal/logging: Structured logging setup
//
// Debugging Notes:
//   - Server starts on HTTP_PORT (default 8082)
//   - Readiness probe checks Postgres and Redis connectivity
//   - Graceful shutdown allows in-flight requests to complete (10s timeout)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tracklinehq/mfa-service/internal/bootstrap"
	"github.com/tracklinehq/mfa-service/internal/config"
	mfaapi "github.com/tracklinehq/mfa-service/internal/httpapi/mfa"
	"github.com/tracklinehq/mfa-service/internal/identity"
	"github.com/tracklinehq/mfa-service/internal/logging"
	"github.com/tracklinehq/mfa-service/internal/server"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Environment).
		Int("port", cfg.HTTPPort).
		Msg("starting mfa API")

	ctx := context.Background()
	runtime, err := bootstrap.Initialize(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bootstrap runtime")
	}
	logger.Info().Msg("runtime dependencies initialized")

	resolver := identity.NewHeaderResolver(cfg.AuthHeaderSecret)
	handler := mfaapi.NewHandler(runtime.MFA, logger)

	srv := server.New(server.Options{
		Port:        cfg.HTTPPort,
		Logger:      logger,
		ServiceName: cfg.ServiceName,
		Readiness:   runtime.ReadinessProbe,
		RegisterRoutes: func(r chi.Router) {
			mfaapi.RegisterRoutes(r, handler, resolver, logger)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("mfa API server failed")
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
	if err := runtime.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to cleanly close runtime")
	}

	logger.Info().Msg("mfa API stopped")
}
