// Package main runs the CSM master: the coordinator that aggregates
// worker events, owns live Claude Code sessions over WebSocket, and
// serves the REST/SSE API for the dashboard, mobile and TUI clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/csmhq/csm/internal/common/config"
	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/events/bus"
	"github.com/csmhq/csm/internal/master"
	"github.com/csmhq/csm/internal/master/api"
	"github.com/csmhq/csm/internal/master/appconfig"
	"github.com/csmhq/csm/internal/session"
	"github.com/csmhq/csm/internal/tracing"
	"github.com/csmhq/csm/internal/worker"
	"github.com/csmhq/csm/internal/worker/tmux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting CSM master...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	appCfg, err := appconfig.NewStore(filepath.Join(cfg.Master.DataDir, "config.json"), log)
	if err != nil {
		log.Fatal("Failed to load app config", zap.Error(err))
	}

	auth, err := api.NewAuth(cfg.Master.DataDir, log)
	if err != nil {
		log.Fatal("Failed to initialize auth", zap.Error(err))
	}

	store := master.NewStore(eventBus, cfg.Master.EventHistoryLimit, log)
	sessions := session.NewManager(eventBus, appCfg, log)

	// The master also serves tmux sessions on its own host (send-keys
	// fallback and diffs).
	local := worker.NewLocal(tmux.New(), cfg.Worker.SessionPrefix, log)

	server := api.NewServer(store, sessions, appCfg, auth, eventBus, local, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     server.Router(),
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// No WriteTimeout: SSE and WebSocket responses are long-lived.
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("CSM master stopped")
}
