// Package marketd serves the lending marketplace connectors and the loan
// application drafts over HTTP.
package marketd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ReignProtocol/ReignProtocol/observability/logging"
	telemetry "github.com/ReignProtocol/ReignProtocol/observability/otel"
	"github.com/ReignProtocol/ReignProtocol/services/marketd/middleware"
)

const serviceName = "reignd"

// Main runs the daemon until SIGINT or SIGTERM.
func Main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to reignd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	env := strings.TrimSpace(os.Getenv("REIGN_ENV"))
	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Log.Level))}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB))
	}
	logger := logging.Setup(serviceName, env, logOpts...)

	if err := run(cfg, env, logger); err != nil {
		logger.Error("reignd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, env string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.ConfigFromEnv(serviceName, env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	sanitized := cfg.Sanitized()
	logger.Info("configuration loaded",
		"target_chain_id", sanitized.TargetChainID,
		"networks", sanitized.Networks,
		"wallet_kind", sanitized.Wallet.Kind,
		"drafts_dsn", sanitized.Drafts.DSN,
		"listen", sanitized.HTTP.Listen,
		"auth_enabled", sanitized.Auth.Enabled)

	rt, err := NewRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	limit := middleware.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}
	srv, err := NewServer(ServerConfig{
		Connectors: rt.Connectors,
		Drafts:     rt.Drafts,
		Network:    rt.Network(),
		Logger:     logger,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			limitRead:  limit,
			limitWrite: limit,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: serviceName,
			LogRequests: cfg.HTTP.LogRequests,
		}, logger),
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout.Duration,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           otelhttp.NewHandler(srv.Handler(), serviceName),
		ReadTimeout:       cfg.HTTP.ReadTimeout.Duration,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout:      cfg.HTTP.WriteTimeout.Duration,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("reignd listening", "addr", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}
