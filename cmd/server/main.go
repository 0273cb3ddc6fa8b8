package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/reelpilot/reelpilot/internal/api"
	"github.com/reelpilot/reelpilot/internal/config"
	"github.com/reelpilot/reelpilot/internal/monitor"
	"github.com/reelpilot/reelpilot/internal/publish"
	"github.com/reelpilot/reelpilot/internal/scheduler"
	"github.com/reelpilot/reelpilot/internal/store"
	"github.com/reelpilot/reelpilot/internal/video"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if !cfg.IsConfigured() {
		logger.Warn("Graph API credentials are not fully configured, publishing will fail")
	}

	location, err := cfg.Location()
	if err != nil {
		logger.Fatal("Failed to resolve timezone", zap.Error(err))
	}

	// Durable stores
	jobs, err := store.NewJobStore(store.JobStoreConfig{
		Path:          cfg.JobDBPath,
		CheckInterval: cfg.CheckInterval,
		MisfireGrace:  cfg.MisfireGrace,
		MaxWorkers:    cfg.MaxWorkers,
		Location:      location,
	}, logger.Named("jobstore"))
	if err != nil {
		logger.Fatal("Failed to open job store", zap.Error(err))
	}

	ledger, err := store.NewLedger(cfg.LedgerPath, logger.Named("ledger"))
	if err != nil {
		logger.Fatal("Failed to open post ledger", zap.Error(err))
	}

	recurring := store.NewRecurringConfig(cfg.RecurringPath, logger.Named("recurring"))

	// Publishing pipeline
	tunnel := &publish.StaticTunnel{PublicURL: cfg.PublicBaseURL}
	exposure := publish.NewLocalProvider(cfg.ExposurePort, tunnel, logger.Named("exposure"))
	publisher := publish.NewClient(publish.ClientConfig{
		BaseURL:     cfg.GraphBaseURL,
		AccessToken: cfg.AccessToken,
		AppSecret:   cfg.AppSecret,
		AccountID:   cfg.AccountID,
	}, exposure, logger.Named("publish"))

	videos := video.NewProcessor(video.ProcessorConfig{
		StorageDir:     cfg.VideoStoragePath,
		TempDir:        cfg.TempStoragePath,
		MaxFileSizeMB:  cfg.MaxFileSizeMB,
		AllowedFormats: cfg.AllowedVideoFormats,
	}, logger.Named("video"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := monitor.NewSampler(30*time.Second, logger)
	sampler.Start(ctx)
	defer sampler.Stop()

	sched := scheduler.New(jobs, ledger, recurring, publisher, location, logger.Named("scheduler"),
		scheduler.WithSampler(sampler))
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	server := api.NewServer(cfg.ListenAddr, sched, videos, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("API server stopped", zap.Error(err))
			cancel()
		}
	}()

	if cfg.IsConfigured() {
		if info, err := publisher.TestConnection(ctx); err != nil {
			logger.Warn("Graph API connection test failed", zap.Error(err))
		} else {
			logger.Info("Connected to Graph API account",
				zap.String("username", info.Username),
				zap.Int("media_count", info.MediaCount))
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("Scheduler shutdown failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
