// Command gateway runs the MCP paywall reverse proxy: the /mcp/:publicId/*
// tool-call pipeline from pkg/mcpproxy, mounted on a chi router behind the
// gateway's ambient middleware chain (CORS, security headers, logging,
// inbound rate limiting).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/wtfsayo/mcpay-sub002/internal/config"
	"github.com/wtfsayo/mcpay-sub002/internal/dbpool"
	"github.com/wtfsayo/mcpay-sub002/internal/httpserver"
	"github.com/wtfsayo/mcpay-sub002/internal/lifecycle"
	"github.com/wtfsayo/mcpay-sub002/internal/logger"
	"github.com/wtfsayo/mcpay-sub002/internal/metrics"
	"github.com/wtfsayo/mcpay-sub002/internal/storage"
	"github.com/wtfsayo/mcpay-sub002/pkg/mcpproxy"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to YAML config file (optional, env overrides still apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "mcpay-gateway",
		Environment: cfg.Logging.Environment,
	})

	if err := run(cfg, appLogger); err != nil {
		appLogger.Fatal().Err(err).Msg("gateway.exit")
	}
}

func run(cfg *config.Config, appLogger zerolog.Logger) error {
	resources := lifecycle.NewManager()
	defer resources.Close()

	gatewayStore, err := buildStore(cfg, resources)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)

	router := chi.NewRouter()
	httpserver.ConfigureGatewayMiddleware(router, cfg, metricsCollector, appLogger)

	gatewayApp, err := mcpproxy.NewApp(cfg, appLogger, mcpproxy.WithStore(gatewayStore), mcpproxy.WithMetrics(metricsCollector))
	if err != nil {
		return fmt.Errorf("build gateway app: %w", err)
	}
	resources.RegisterFunc("gateway-app", gatewayApp.Close)

	httpserver.MountGateway(router, gatewayApp.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().Str("addr", cfg.Server.Address).Msg("gateway.listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("gateway.shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}

// buildStore constructs the gateway's storage backend from Storage.Backend.
func buildStore(cfg *config.Config, resources *lifecycle.Manager) (storage.GatewayStore, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
		if err != nil {
			return nil, fmt.Errorf("open postgres pool: %w", err)
		}
		resources.RegisterFunc("postgres-pool", func() error { return pool.DB().Close() })

		gatewayStore, err := storage.NewPostgresGatewayStoreWithDB(pool.DB())
		if err != nil {
			return nil, fmt.Errorf("build gateway postgres store: %w", err)
		}
		return gatewayStore, nil

	case "mongodb":
		gatewayStore, err := storage.NewMongoGatewayStore(cfg.Storage.MongoDBURL, cfg.Storage.MongoDBDatabase)
		if err != nil {
			return nil, fmt.Errorf("build gateway mongo store: %w", err)
		}
		return gatewayStore, nil

	default:
		return storage.NewMemoryGatewayStore(), nil
	}
}
