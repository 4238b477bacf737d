// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rewritedaemon

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/logging"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/redup"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewrite"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteconfig"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteio"
)

const agentName = "nbackup-dedup-rewrite"

// baseBackoff is the exponential-backoff unit; per-attempt delay is
// baseBackoff * 2^(attempt-1), capped at Retry.MaxDelay.
const baseBackoff = 1 * time.Second

// FileResult records the outcome of rewriting one inbox file.
type FileResult struct {
	Name     string
	Status   string // "completed", "failed", "skipped"
	Attempts int
	Duration time.Duration
	Result   rewrite.Result
}

// Watcher scans a configured inbox directory on a cron schedule and
// rewrites every stream file it finds, retrying transient failures with
// exponential backoff. One cycle processes its inbox's files strictly
// one at a time: the redup index's memory-cap sizing assumes a single
// rewrite call in flight per inbox, so a cycle never fans work out
// across goroutines (a second, independently configured inbox would
// get its own Watcher and run concurrently with this one).
type Watcher struct {
	cfg    *rewriteconfig.DaemonConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewWatcher creates a Watcher from a validated DaemonConfig.
func NewWatcher(cfg *rewriteconfig.DaemonConfig, logger *slog.Logger) *Watcher {
	return &Watcher{
		cfg:    cfg,
		logger: logger.With("component", "watcher"),
	}
}

// RunCycle scans the inbox once and rewrites every regular file found,
// in order, one at a time, reporting one FileResult per file.
func (w *Watcher) RunCycle(ctx context.Context) []FileResult {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.logger.Warn("previous cycle still running, skipping this tick")
		return nil
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	names, err := w.listInbox()
	if err != nil {
		w.logger.Error("failed to scan inbox", "error", err)
		return nil
	}
	if len(names) == 0 {
		w.logger.Debug("inbox empty")
		return nil
	}
	w.logger.Info("cycle starting", "files", len(names))

	results := make([]FileResult, len(names))
	for i, name := range names {
		if ctx.Err() != nil {
			results[i] = FileResult{Name: name, Status: "skipped"}
			continue
		}
		results[i] = w.processWithRetry(ctx, name)
	}

	w.logger.Info("cycle finished", "files", len(names))
	return results
}

func (w *Watcher) listInbox() ([]string, error) {
	entries, err := os.ReadDir(w.cfg.Inbox.Path)
	if err != nil {
		return nil, fmt.Errorf("reading inbox %q: %w", w.cfg.Inbox.Path, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// processWithRetry rewrites one inbox file, retrying on failure with
// exponential backoff up to Retry.MaxAttempts, the same shape as the
// teacher's stream-reconnect loop.
func (w *Watcher) processWithRetry(ctx context.Context, name string) FileResult {
	start := time.Now()
	sessionID := fmt.Sprintf("%s-%d", name, start.UnixNano())

	jobLogger, closer, logPath, err := logging.NewSessionLogger(w.logger, w.cfg.Logging.SessionDir, agentName, sessionID)
	if err != nil {
		w.logger.Error("failed to create session logger", "file", name, "error", err)
		jobLogger = w.logger
		closer = nil
	}
	if closer != nil {
		defer closer.Close()
	}

	var lastErr error
	var result rewrite.Result
	attempts := 0
	for attempts < w.cfg.Retry.MaxAttempts {
		attempts++
		result, lastErr = w.processOnce(ctx, jobLogger, name)
		if lastErr == nil {
			break
		}
		jobLogger.Warn("rewrite attempt failed", "file", name, "attempt", attempts, "error", lastErr)
		if attempts >= w.cfg.Retry.MaxAttempts {
			break
		}

		backoff := time.Duration(math.Min(
			float64(baseBackoff)*math.Pow(2, float64(attempts-1)),
			float64(w.cfg.Retry.MaxDelay),
		))
		if backoff < w.cfg.Retry.InitialDelay {
			backoff = w.cfg.Retry.InitialDelay
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempts = w.cfg.Retry.MaxAttempts
		}
	}

	duration := time.Since(start)
	status := "completed"
	if lastErr != nil {
		status = "failed"
		jobLogger.Error("rewrite failed permanently", "file", name, "attempts", attempts, "error", lastErr, "duration", duration)
	} else {
		jobLogger.Info("rewrite completed", "file", name, "attempts", attempts, "duration", duration)
		if logPath != "" {
			logging.RemoveSessionLog(w.cfg.Logging.SessionDir, agentName, sessionID)
		}
	}

	return FileResult{Name: name, Status: status, Attempts: attempts, Duration: duration, Result: result}
}

func (w *Watcher) processOnce(ctx context.Context, logger *slog.Logger, name string) (rewrite.Result, error) {
	inPath := filepath.Join(w.cfg.Inbox.Path, name)
	src, err := rewriteio.OpenSource(ctx, inPath)
	if err != nil {
		return rewrite.Result{}, err
	}
	defer src.Close()

	compression, err := rewriteio.ParseCompression(w.cfg.Output.Compress)
	if err != nil {
		return rewrite.Result{}, err
	}

	outPath := w.cfg.Output.Path
	if !isS3Path(outPath) {
		outPath = filepath.Join(outPath, name)
	} else {
		outPath = outPath + "/" + name
	}
	sink, err := rewriteio.CreateSinkRateLimited(outPath, compression, w.cfg.Output.MaxBandwidthRaw)
	if err != nil {
		return rewrite.Result{}, err
	}

	result, err := rewrite.Rewrite(src, sink.Writer(), rewrite.Options{
		Index:  redup.New(),
		Logger: logger,
	})
	if err != nil {
		sink.Abort()
		return result, fmt.Errorf("rewriting %q: %w", name, err)
	}
	if err := sink.Commit(ctx); err != nil {
		return result, fmt.Errorf("committing %q: %w", name, err)
	}

	if !isS3Path(inPath) {
		if err := os.Remove(inPath); err != nil {
			logger.Warn("rewrite succeeded but failed to remove source from inbox", "file", name, "error", err)
		}
	}
	return result, nil
}

func isS3Path(p string) bool {
	return len(p) >= 5 && p[:5] == "s3://"
}
