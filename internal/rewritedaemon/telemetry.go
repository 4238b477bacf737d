// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rewritedaemon implements watch (daemon) mode: a cron-scheduled
// inbox scan that rewrites every stream file it finds, with per-file
// retry/backoff, one file at a time, and periodic system telemetry.
package rewritedaemon

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats is one snapshot of host resource usage.
type SystemStats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
}

// Telemetry periodically samples host resource usage while the daemon or
// a one-shot rewrite is running, so operators can correlate a slow or
// failing rewrite with memory or disk pressure.
type Telemetry struct {
	logger *slog.Logger
	path   string // filesystem path whose disk usage is sampled (the inbox, or the one-shot input's directory)
	close  chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	stats  SystemStats
}

// NewTelemetry creates a Telemetry sampler for path, the directory whose
// disk usage should be reported alongside CPU/memory/load.
func NewTelemetry(logger *slog.Logger, path string) *Telemetry {
	return &Telemetry{
		logger: logger.With("component", "telemetry"),
		path:   path,
		close:  make(chan struct{}),
	}
}

// Start begins periodic sampling on its own goroutine.
func (t *Telemetry) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop halts sampling and waits for the goroutine to exit.
func (t *Telemetry) Stop() {
	close(t.close)
	t.wg.Wait()
}

// Stats returns the most recently collected snapshot.
func (t *Telemetry) Stats() SystemStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

func (t *Telemetry) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	t.collect()
	for {
		select {
		case <-t.close:
			return
		case <-ticker.C:
			t.collect()
		}
	}
}

func (t *Telemetry) collect() {
	var stats SystemStats

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		t.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		t.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage(t.path); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
	} else {
		t.logger.Debug("failed to collect disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		t.logger.Debug("failed to collect load stats", "error", err)
	}

	t.mu.Lock()
	t.stats = stats
	t.mu.Unlock()

	t.logger.Info("telemetry snapshot",
		"cpu_percent", stats.CPUPercent,
		"memory_percent", stats.MemoryPercent,
		"disk_percent", stats.DiskUsagePercent,
		"load1", stats.LoadAverage,
	)
}
