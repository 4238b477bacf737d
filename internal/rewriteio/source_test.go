// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rewriteio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenSourceLocalPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	src, err := OpenSource(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	defer src.Close()

	buf := make([]byte, 4)
	if _, err := src.ReadAt(buf, 3); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "3456" {
		t.Fatalf("ReadAt got %q, want %q", buf, "3456")
	}

	seq := make([]byte, 3)
	if _, err := src.Read(seq); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(seq) != "012" {
		t.Fatalf("Read got %q, want %q", seq, "012")
	}
}

func TestOpenSourceMissingFile(t *testing.T) {
	_, err := OpenSource(context.Background(), "/nonexistent/path/to/nothing")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := parseS3URI("s3://my-bucket/path/to/object")
	if err != nil {
		t.Fatalf("parseS3URI: %v", err)
	}
	if bucket != "my-bucket" || key != "path/to/object" {
		t.Fatalf("bucket=%q key=%q", bucket, key)
	}

	if _, _, err := parseS3URI("s3://bucket-only"); err == nil {
		t.Fatal("expected error for missing key")
	}
	if _, _, err := parseS3URI("http://not-s3/key"); err == nil {
		t.Fatal("expected error for non-s3 scheme")
	}
}
