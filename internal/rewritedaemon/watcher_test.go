// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rewritedaemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/checksum"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/recordio"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteconfig"
)

// writeSimpleStream builds a minimal, valid BEGIN/WRITE/END stream with a
// correctly stamped checksum trailer, the same shape rewrite.Rewrite's own
// fixtures use, and writes it to path.
func writeSimpleStream(t *testing.T, path string) {
	t.Helper()

	var st checksum.State
	var buf []byte

	beginHdr := &recordio.Header{Kind: recordio.KindBegin, Magic: recordio.BeginMagic, VersionInfo: 1}
	buf = appendRecord(t, &st, buf, beginHdr, nil, false)

	writeHdr := &recordio.Header{
		Kind: recordio.KindWrite, ToGUID: 1, Object: 1, Offset: 0,
		LogicalSize: 4, PSize: 4,
	}
	buf = appendRecord(t, &st, buf, writeHdr, []byte("abcd"), false)

	endHdr := &recordio.Header{Kind: recordio.KindEnd}
	endHdr.Checksum = st.Sum().Bytes()
	buf = appendRecord(t, &st, buf, endHdr, nil, true)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func appendRecord(t *testing.T, st *checksum.State, buf []byte, h *recordio.Header, payload []byte, preserve bool) []byte {
	t.Helper()
	var tmp bytesWriter
	if err := recordio.WriteRecord(&tmp, st, h, payload, preserve); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	return append(buf, tmp.data...)
}

type bytesWriter struct{ data []byte }

func (w *bytesWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func testConfig(t *testing.T, inbox, output string) *rewriteconfig.DaemonConfig {
	t.Helper()
	cfg := &rewriteconfig.DaemonConfig{}
	cfg.Daemon.Schedule = "@every 1h"
	cfg.Inbox.Path = inbox
	cfg.Output.Path = output
	cfg.Output.Compress = "none"
	cfg.Output.MaxPayload = "64mb"
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialDelay = 1 * time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "text"
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunCycleRewritesAllInboxFiles(t *testing.T) {
	inbox := t.TempDir()
	output := t.TempDir()
	writeSimpleStream(t, filepath.Join(inbox, "a.zstream"))
	writeSimpleStream(t, filepath.Join(inbox, "b.zstream"))

	cfg := testConfig(t, inbox, output)
	w := NewWatcher(cfg, testLogger())

	results := w.RunCycle(context.Background())
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != "completed" {
			t.Errorf("file %s status = %s, want completed", r.Name, r.Status)
		}
	}

	for _, name := range []string{"a.zstream", "b.zstream"} {
		if _, err := os.Stat(filepath.Join(output, name)); err != nil {
			t.Errorf("expected output file %s: %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(inbox, name)); !os.IsNotExist(err) {
			t.Errorf("expected inbox file %s to be removed, got err=%v", name, err)
		}
	}
}

func TestRunCycleEmptyInboxIsNoop(t *testing.T) {
	inbox := t.TempDir()
	output := t.TempDir()
	cfg := testConfig(t, inbox, output)
	w := NewWatcher(cfg, testLogger())

	if results := w.RunCycle(context.Background()); results != nil {
		t.Fatalf("expected nil results for empty inbox, got %v", results)
	}
}

func TestRunCycleSkipsWhileAlreadyRunning(t *testing.T) {
	inbox := t.TempDir()
	output := t.TempDir()
	cfg := testConfig(t, inbox, output)
	w := NewWatcher(cfg, testLogger())

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	if results := w.RunCycle(context.Background()); results != nil {
		t.Fatalf("expected nil results while running flag set, got %v", results)
	}
}

func TestProcessWithRetryFailsPermanentlyOnCorruptFile(t *testing.T) {
	inbox := t.TempDir()
	output := t.TempDir()
	if err := os.WriteFile(filepath.Join(inbox, "bad.zstream"), []byte("not a stream"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := testConfig(t, inbox, output)
	w := NewWatcher(cfg, testLogger())

	results := w.RunCycle(context.Background())
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != "failed" {
		t.Fatalf("status = %s, want failed", results[0].Status)
	}
	if results[0].Attempts != cfg.Retry.MaxAttempts {
		t.Fatalf("attempts = %d, want %d", results[0].Attempts, cfg.Retry.MaxAttempts)
	}
	if _, err := os.Stat(filepath.Join(inbox, "bad.zstream")); err != nil {
		t.Fatalf("corrupt source should remain in inbox: %v", err)
	}
}

func TestRunCycleProcessesFilesInSortedOrder(t *testing.T) {
	inbox := t.TempDir()
	output := t.TempDir()
	for _, name := range []string{"c.zstream", "a.zstream", "b.zstream"} {
		writeSimpleStream(t, filepath.Join(inbox, name))
	}

	cfg := testConfig(t, inbox, output)
	w := NewWatcher(cfg, testLogger())

	results := w.RunCycle(context.Background())
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	want := []string{"a.zstream", "b.zstream", "c.zstream"}
	for i, r := range results {
		if r.Name != want[i] {
			t.Errorf("results[%d].Name = %s, want %s", i, r.Name, want[i])
		}
		if r.Status != "completed" {
			t.Errorf("file %s status = %s", r.Name, r.Status)
		}
	}
}
