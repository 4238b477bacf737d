// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/redup"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewrite"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteconfig"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewritedaemon"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteio"
)

func main() {
	daemonMode := flag.Bool("daemon", false, "run in watch (daemon) mode, scanning an inbox on a cron schedule")
	configPath := flag.String("config", "/etc/nbackup/dedup-rewrite.yaml", "path to daemon config file (only with --daemon)")
	output := flag.String("o", "", "output path ('-' or omitted for stdout; one-shot mode only)")
	compress := flag.String("compress", "none", "output compression: none, gzip, or zstd (one-shot mode only)")
	verbose := flag.Bool("v", false, "verbose (debug-level) logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	// Logs go to stderr: stdout may carry the rewritten stream.
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if strings.ToLower(*logFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)

	if *daemonMode {
		runDaemonMode(*configPath, logger)
		return
	}
	runOneShot(flag.Args(), *output, *compress, logger)
}

func runDaemonMode(configPath string, logger *slog.Logger) {
	cfg, err := rewriteconfig.Load(configPath)
	if err != nil {
		logger.Error("failed to load daemon config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := rewritedaemon.RunDaemon(configPath, cfg, logger); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func runOneShot(args []string, output, compress string, logger *slog.Logger) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: nbackup-dedup-rewrite [-v] [-o output] [-compress none|gzip|zstd] <input>")
		fmt.Fprintln(os.Stderr, "       nbackup-dedup-rewrite -daemon -config <path>")
		os.Exit(2)
	}
	inputPath := args[0]

	compression, err := rewriteio.ParseCompression(compress)
	if err != nil {
		logger.Error("invalid compression", "error", err)
		os.Exit(2)
	}

	ctx := context.Background()
	src, err := rewriteio.OpenSource(ctx, inputPath)
	if err != nil {
		logger.Error("failed to open input", "error", err)
		os.Exit(1)
	}
	defer src.Close()

	telemetryPath := filepath.Dir(inputPath)
	if strings.HasPrefix(inputPath, "s3://") {
		telemetryPath = os.TempDir()
	}
	telemetry := rewritedaemon.NewTelemetry(logger, telemetryPath)
	telemetry.Start()
	defer telemetry.Stop()

	var dest string
	var writeToStdout bool
	switch output {
	case "", "-":
		writeToStdout = true
	default:
		dest = output
	}

	if writeToStdout && term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "refusing to write binary stream output to a terminal; redirect stdout or pass -o")
		os.Exit(2)
	}

	var result rewrite.Result
	if writeToStdout {
		out, wrapErr := rewriteio.WrapCompression(os.Stdout, compression)
		if wrapErr != nil {
			logger.Error("failed to set up output compression", "error", wrapErr)
			os.Exit(1)
		}
		result, err = rewrite.Rewrite(src, out, rewrite.Options{
			Index:  redup.New(),
			Logger: logger,
		})
		if closeErr := out.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("flushing stdout: %w", closeErr)
		}
	} else {
		var sink *rewriteio.Sink
		sink, err = rewriteio.CreateSink(dest, compression)
		if err != nil {
			logger.Error("failed to create output sink", "error", err)
			os.Exit(1)
		}
		result, err = rewrite.Rewrite(src, sink.Writer(), rewrite.Options{
			Index:  redup.New(),
			Logger: logger,
		})
		if err != nil {
			sink.Abort()
		} else if commitErr := sink.Commit(ctx); commitErr != nil {
			logger.Error("failed to commit output", "error", commitErr)
			os.Exit(1)
		}
	}

	if err != nil {
		logger.Error("rewrite failed", "error", err)
		os.Exit(1)
	}

	logger.Info("rewrite completed",
		"records_read", result.RecordsRead,
		"records_written", result.RecordsWritten,
		"bytes_written", result.BytesWritten,
		"substreams", result.Substreams,
		"backrefs_resolved", result.BackrefsResolved,
	)
}
