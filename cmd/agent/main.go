package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-transcriber/internal/api"
	"github.com/heimdex/heimdex-transcriber/internal/cloud"
	"github.com/heimdex/heimdex-transcriber/internal/config"
	"github.com/heimdex/heimdex-transcriber/internal/db"
	"github.com/heimdex/heimdex-transcriber/internal/history"
	"github.com/heimdex/heimdex-transcriber/internal/jobrunner"
	"github.com/heimdex/heimdex-transcriber/internal/logging"
	"github.com/heimdex/heimdex-transcriber/internal/scheduler"
	"github.com/heimdex/heimdex-transcriber/internal/upload"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting heimdex transcriber", "version", config.Version, "data_dir", logging.SanitizePath(cfg.DataDir()))

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := history.NewRepository(database.Conn())

	deviceID, err := ensureSecret(repo, "device_id", 16)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}
	authToken, err := ensureSecret(repo, "auth_token", 32)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Printf("  API URL:    http://127.0.0.1:%d\n", cfg.Port())
	fmt.Printf("  Auth Token: %s\n", authToken)
	fmt.Printf("  Device ID:  %s...\n", deviceID[:16])
	fmt.Println()

	svc := newCloudService(cfg, deviceID, logger)

	sched := scheduler.New(cfg.UploadConcurrency(), logger)
	uploads := upload.New(svc, sched, upload.Options{
		Logger:           logger,
		LanguageCode:     cfg.Language(),
		ProgressInterval: cfg.ProgressInterval(),
		MaxFileBytes:     cfg.MaxFileBytes(),
		Recorder:         repo,
	})
	jobs := jobrunner.NewManager(svc, jobrunner.Options{
		Logger:       logger,
		PollInterval: cfg.PollInterval(),
		Recorder:     repo,
		RunRetention: cfg.RunRetention(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	pruner := history.NewPruner(repo, cfg.HistoryRetention(), cfg.HistoryPruneCron(), logger)
	if err := pruner.Schedule(ctx, c); err != nil {
		return fmt.Errorf("failed to schedule history pruning: %w", err)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:         cfg.Port(),
		Uploads:      uploads,
		Scheduler:    sched,
		Jobs:         jobs,
		Repository:   repo,
		Language:     cfg.Language(),
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
		StartTime:    startTime,
		DeviceID:     deviceID,
		Version:      config.Version,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(apiServer.Start)

	g.Go(func() error {
		c.Start()
		<-gctx.Done()
		<-c.Stop().Done()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", "error", err)
		}

		jobs.Close()
		uploads.Close()
		sched.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newCloudService(cfg config.Config, deviceID string, logger *slog.Logger) cloud.Service {
	if cfg.CloudBaseURL() == "" {
		logger.Warn("no cloud configured, uploads and jobs will fail", "env", config.EnvCloudBaseURL)
		return cloud.NewStubService(logger)
	}
	client := cloud.NewHTTPClient(cfg.CloudBaseURL(), cfg.CloudToken(), cfg.CloudOrg(), cfg.CloudTimeout(), logger)
	client.SetDeviceID(deviceID)
	logger.Info("cloud client configured", "base_url", cfg.CloudBaseURL(), "org", cfg.CloudOrg())
	return client
}

// ensureSecret returns the stored value for key, generating a random hex
// value of n bytes the first time.
func ensureSecret(repo history.Repository, key string, n int) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, key)
	if err == nil && existing != "" {
		return existing, nil
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	value := hex.EncodeToString(buf)

	if err := repo.SetConfig(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}
