// ffgif/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ffgif/api"
	"ffgif/config"
	"ffgif/ffmpeg"
	"ffgif/logging"
	"ffgif/retention"
	"ffgif/snapshot"
	"ffgif/task"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Info("server exiting")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	ffmpegRunner, err := ffmpeg.NewRunner(cfg, logger)
	if err != nil {
		return err
	}

	guard := ffmpeg.NewResourceGuard(cfg, logger)
	taskManager, err := task.NewManager(cfg, ffmpegRunner, logger, task.WithAdmission(guard.Check))
	if err != nil {
		return err
	}

	if cfg.SnapshotPath != "" {
		snaps, err := snapshot.Load(cfg.SnapshotPath)
		if err != nil {
			return err
		}
		n := taskManager.Table().Restore(snaps)
		logger.Info("restored job table", zap.String("path", cfg.SnapshotPath), zap.Int("jobs", n))
	}

	sweeper, err := retention.New(taskManager.Table(), cfg, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.SetupRouter(taskManager, cfg, logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Restore default behavior on the interrupt signal.
		stop()
		logger.Info("shutting down gracefully, press Ctrl+C again to force")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := sweeper.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := taskManager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("aborted unfinished jobs at shutdown", zap.Error(err))
		}
		if cfg.SnapshotPath != "" {
			if err := snapshot.Save(cfg.SnapshotPath, taskManager.List()); err != nil {
				errs = append(errs, err)
			} else {
				logger.Info("saved job table", zap.String("path", cfg.SnapshotPath))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
