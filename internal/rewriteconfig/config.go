// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rewriteconfig loads and validates the YAML configuration for
// daemon (watch) mode.
package rewriteconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the complete configuration for watch mode: a cron
// schedule, an inbox (a local directory) and an output location (a local
// directory or s3:// URI), retry/backoff tuning, and logging.
type DaemonConfig struct {
	Daemon  DaemonInfo  `yaml:"daemon"`
	Inbox   InboxInfo   `yaml:"inbox"`
	Output  OutputInfo  `yaml:"output"`
	Retry   RetryInfo   `yaml:"retry"`
	Logging LoggingInfo `yaml:"logging"`
}

// DaemonInfo holds the cron expression driving the watch cycle.
type DaemonInfo struct {
	Schedule string `yaml:"schedule"`
}

// InboxInfo names the directory scanned for new stream files each cycle.
type InboxInfo struct {
	Path string `yaml:"path"`
}

// OutputInfo names the destination for rewritten streams and the
// archival compression applied to them.
type OutputInfo struct {
	Path         string `yaml:"path"` // local directory or s3://bucket/prefix
	Compress     string `yaml:"compress"`
	MaxPayload   string `yaml:"max_payload"`   // e.g. "64mb"; parsed into MaxPayloadRaw, which the rewriter does not read: scratch buffer growth is not capped
	MaxBandwidth string `yaml:"max_bandwidth"` // e.g. "10mb"; caps staging-write throughput, 0/empty disables

	MaxPayloadRaw   int64 `yaml:"-"`
	MaxBandwidthRaw int64 `yaml:"-"`
}

// RetryInfo configures the exponential backoff applied to a failing file
// before it is given up on.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// LoggingInfo holds the logging settings. The daemon reads only
// SessionDir; Level and Format are validated and defaulted, but the base
// logger is built from command-line flags, not from them.
type LoggingInfo struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	SessionDir string `yaml:"session_dir"` // per-file dedicated log; empty disables it
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading daemon config: %w", err)
	}

	var cfg DaemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing daemon config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating daemon config: %w", err)
	}
	return &cfg, nil
}

func (c *DaemonConfig) validate() error {
	if c.Daemon.Schedule == "" {
		return fmt.Errorf("daemon.schedule is required")
	}
	if c.Inbox.Path == "" {
		return fmt.Errorf("inbox.path is required")
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}
	if c.Output.Compress == "" {
		c.Output.Compress = "none"
	}
	switch c.Output.Compress {
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("output.compress must be none, gzip, or zstd, got %q", c.Output.Compress)
	}

	if c.Output.MaxPayload == "" {
		c.Output.MaxPayload = "64mb"
	}
	maxPayload, err := ParseByteSize(c.Output.MaxPayload)
	if err != nil {
		return fmt.Errorf("output.max_payload: %w", err)
	}
	c.Output.MaxPayloadRaw = maxPayload

	if c.Output.MaxBandwidth != "" {
		maxBandwidth, err := ParseByteSize(c.Output.MaxBandwidth)
		if err != nil {
			return fmt.Errorf("output.max_bandwidth: %w", err)
		}
		c.Output.MaxBandwidthRaw = maxBandwidth
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb" or "1gb" to a
// byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	// Longest suffix first so "mb" isn't matched as a trailing "b".
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
