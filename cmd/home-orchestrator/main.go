package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"home-orchestrator/internal/config"
	"home-orchestrator/internal/logger"
	"home-orchestrator/internal/service"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "home-orchestrator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting home orchestrator")

	orchestrator, err := service.NewFromConfig(cfg, log)
	if err != nil {
		log.Fatal("Failed to create orchestrator", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := orchestrator.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-errChan:
		log.Error("Orchestrator error", zap.Error(err))
		cancel()
	}

	orchestrator.Stop()
	log.Info("Orchestrator stopped")
}
