// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rewritedaemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteconfig"
)

// RunDaemon starts watch mode: a single cron job driving the inbox scan,
// plus a telemetry sampler, and blocks until SIGTERM or SIGINT. SIGHUP
// reloads the configuration from configPath without downtime.
func RunDaemon(configPath string, cfg *rewriteconfig.DaemonConfig, logger *slog.Logger) error {
	logger.Info("starting daemon", "schedule", cfg.Daemon.Schedule, "inbox", cfg.Inbox.Path)

	watcher := NewWatcher(cfg, logger)
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cfg.Daemon.Schedule, func() {
		watcher.RunCycle(context.Background())
	}); err != nil {
		return fmt.Errorf("adding cron schedule %q: %w", cfg.Daemon.Schedule, err)
	}
	c.Start()

	telemetry := NewTelemetry(logger, cfg.Inbox.Path)
	telemetry.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, err := rewriteconfig.Load(configPath)
			if err != nil {
				logger.Error("reload failed, keeping current config", "error", err)
				continue
			}

			telemetry.Stop()
			stopCtx := c.Stop()
			<-stopCtx.Done()

			cfg = newCfg
			watcher = NewWatcher(cfg, logger)
			c = cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
			if _, err := c.AddFunc(cfg.Daemon.Schedule, func() {
				watcher.RunCycle(context.Background())
			}); err != nil {
				return fmt.Errorf("adding cron schedule after reload: %w", err)
			}
			c.Start()
			telemetry = NewTelemetry(logger, cfg.Inbox.Path)
			telemetry.Start()

			logger.Info("config reloaded successfully", "schedule", cfg.Daemon.Schedule)
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)
		telemetry.Stop()
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(30 * time.Second):
			logger.Warn("timed out waiting for cron jobs to finish")
		}
		return nil
	}
}
