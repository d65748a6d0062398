// Command gaff runs the intent-graph execution engine: it loads the agent
// catalog, connects the execution state store, and serves the control API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/seanpoyner/gaff/core"
	"github.com/seanpoyner/gaff/orchestration"
	"github.com/seanpoyner/gaff/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gaff:", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may be set by the deployment
	_ = godotenv.Load()

	cfg, err := core.NewConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Name,
		Enabled:     true,
	})
	if err != nil {
		return err
	}

	if cfg.CatalogPath == "" {
		return fmt.Errorf("agent catalog path not set (GAFF_CONFIG_PATH): %w", core.ErrMissingConfiguration)
	}
	catalog, err := orchestration.LoadCatalog(cfg.CatalogPath, logger)
	if err != nil {
		return err
	}

	entities, err := orchestration.NewRedisEntityStore(cfg.RedisURL, cfg.MemoryTTL, logger)
	if err != nil {
		return err
	}
	stateStore := orchestration.NewEntityStateStore(entities, logger)

	metrics := orchestration.NewEngineMetrics()
	invoker := orchestration.NewRoutingInvoker(
		orchestration.NewBuiltinToolsInvoker(logger),
		orchestration.NewHTTPAgentInvoker(
			orchestration.WithInvokerLogger(logger),
			orchestration.WithCircuitBreakers(true),
		),
	)
	dispatcher := orchestration.NewDispatcher(catalog, invoker,
		orchestration.WithDispatcherLogger(logger),
		orchestration.WithDispatcherMetrics(metrics),
		orchestration.WithDefaultTimeout(cfg.NodeTimeout),
	)
	coordinator := orchestration.NewCoordinator(catalog, dispatcher, stateStore,
		orchestration.WithCoordinatorLogger(logger),
		orchestration.WithCoordinatorMetrics(metrics),
	)
	api := orchestration.NewControlAPI(coordinator, dispatcher, stateStore,
		orchestration.WithGraphStore(stateStore),
		orchestration.WithControlLogger(logger),
	)

	mux := http.NewServeMux()
	handler := orchestration.NewControlHandler(api,
		orchestration.WithControlHandlerLogger(logger),
	)
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Control API listening", map[string]interface{}{
			"operation": "startup",
			"port":      cfg.HTTPPort,
			"catalog":   cfg.CatalogPath,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", map[string]interface{}{
		"operation": "shutdown",
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	if err := entities.Close(); err != nil {
		logger.Warn("Entity store close error", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	return nil
}
