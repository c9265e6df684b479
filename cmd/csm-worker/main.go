// Package main runs the CSM worker agent: it polls local tmux sessions,
// diffs their state and pushes events to the master with durable retry.
// Without CSM_MASTER_URL it runs in pure local mode.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/csmhq/csm/internal/common/config"
	"github.com/csmhq/csm/internal/common/logger"
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

	workerID := config.SanitizeWorkerID(cfg.Worker.ID)
	log.Info("Starting CSM worker...", zap.String("worker_id", workerID))

	store, err := worker.NewStore(cfg.Worker.StatePath, workerID, log)
	if err != nil {
		log.Fatal("Failed to open worker state file", zap.Error(err))
	}

	mux := tmux.New()

	var push worker.EventPusher
	if cfg.Worker.MasterURL != "" {
		client := worker.NewClient(cfg.Worker.MasterURL, cfg.Worker.Token, log)
		ctx, cancel := context.WithCancel(context.Background())
		if !client.Healthy(ctx) {
			log.Warn("Master not reachable yet, events will be queued",
				zap.String("master_url", cfg.Worker.MasterURL))
		}
		cancel()
		push = client
	} else {
		log.Info("No master URL configured, running in local mode")
	}

	agent := worker.NewAgent(store, mux, worker.NewInspector(mux, log), push, worker.AgentConfig{
		WorkerID:          workerID,
		SessionPrefix:     cfg.Worker.SessionPrefix,
		PollInterval:      cfg.Worker.PollIntervalDuration(),
		HeartbeatInterval: cfg.Worker.HeartbeatIntervalDuration(),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil {
		log.Fatal("Worker agent failed", zap.Error(err))
	}
	log.Info("CSM worker stopped")
}
