// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rewriteio adapts local paths and s3:// URIs to the random-access
// reader the rewriter requires, and wraps its output in an optional
// compression codec before it reaches disk or S3.
package rewriteio

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Source is a random-access input: both a sequential reader and a
// positioned reader over the same bytes, the contract rewrite.Rewrite
// requires.
type Source interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

// OpenSource resolves loc — a local filesystem path or an s3://bucket/key
// URI — to a Source. An s3:// location is spooled to a local temp file
// first, since a single GET does not give this adapter positioned reads.
func OpenSource(ctx context.Context, loc string) (Source, error) {
	if !strings.HasPrefix(loc, "s3://") {
		f, err := os.Open(loc)
		if err != nil {
			return nil, fmt.Errorf("opening input %q: %w", loc, err)
		}
		return f, nil
	}
	return spoolFromS3(ctx, loc)
}

func spoolFromS3(ctx context.Context, loc string) (Source, error) {
	bucket, key, err := parseS3URI(loc)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	tmp, err := os.CreateTemp("", "nbackup-dedup-rewrite-spool-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}

	downloader := manager.NewDownloader(client)
	if _, err := downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("downloading %s: %w", loc, err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("rewinding spool file: %w", err)
	}

	return &spooledSource{File: tmp}, nil
}

// spooledSource deletes its backing temp file on Close, the same
// tmp-then-discard lifecycle the sink side uses for its own staging file.
type spooledSource struct {
	*os.File
}

func (s *spooledSource) Close() error {
	name := s.File.Name()
	err := s.File.Close()
	os.Remove(name)
	return err
}

func parseS3URI(loc string) (bucket, key string, err error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", "", fmt.Errorf("parsing %q: %w", loc, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3:// URI: %q", loc)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 URI must be s3://bucket/key, got %q", loc)
	}
	return bucket, key, nil
}
