// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rewriteio

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/time/rate"
)

// maxThrottleBurst bounds a single throttled write chunk so a large
// buffer doesn't reserve one enormous token bucket wait.
const maxThrottleBurst = 256 * 1024

// throttledWriter is a token-bucket rate-limited io.Writer, used to cap
// upload/staging bandwidth for a Sink when a caller configures one.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
}

// newThrottledWriter wraps w with a bytesPerSec rate limit. A
// non-positive bytesPerSec disables throttling and returns w unchanged.
func newThrottledWriter(w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	burst := int(bytesPerSec)
	if burst > maxThrottleBurst {
		burst = maxThrottleBurst
	}
	return &throttledWriter{w: w, limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}
		if err := tw.limiter.WaitN(context.Background(), chunk); err != nil {
			return written, err
		}
		n, err := tw.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

// Compression selects the archival codec wrapping the rewritten byte
// stream. It has nothing to do with a WRITE record's own compression
// field, which passes through untouched.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ParseCompression validates a -compress flag value.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return Compression(s), nil
	default:
		return "", fmt.Errorf("unknown compression %q (want none, gzip, or zstd)", s)
	}
}

// nopWriteCloser wraps an io.Writer callers must not actually close (a
// shared destination like os.Stdout), giving it the io.WriteCloser shape
// CreateSink's own writers have without ever touching the underlying fd.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// WrapCompression wraps w in the codec named by compression. Closing the
// returned writer flushes any compressor trailer but never closes w
// itself — callers that own w's lifecycle (e.g. os.Stdout) close it
// separately if at all.
func WrapCompression(w io.Writer, compression Compression) (io.WriteCloser, error) {
	switch compression {
	case CompressionGzip:
		return pgzip.NewWriter(w), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		return enc, nil
	default:
		return nopWriteCloser{w}, nil
	}
}

// Sink stages rewritten output in a local temp file and, only once the
// caller confirms the rewrite succeeded, commits it to its final
// destination — a local rename for a plain path, or an upload for an
// s3:// URI. Nothing partial ever reaches the destination: a crash or
// error mid-rewrite leaves only the discarded temp file behind.
type Sink struct {
	dest string
	tmp  *os.File
	w    io.WriteCloser // wraps tmp (throttle + compression); closing it never closes tmp
}

// CreateSink stages a new Sink for dest with the given compression and no
// bandwidth cap. Local destinations stage their temp file in the same
// directory as dest so the final commit is a same-filesystem rename;
// s3:// destinations stage in the OS temp directory and are uploaded on
// Commit.
func CreateSink(dest string, compression Compression) (*Sink, error) {
	return CreateSinkRateLimited(dest, compression, 0)
}

// CreateSinkRateLimited is CreateSink with an additional staging-write
// bandwidth cap (bytes/sec); 0 means unlimited. Useful in daemon mode so
// one busy inbox cycle doesn't saturate the link to a remote spool.
func CreateSinkRateLimited(dest string, compression Compression, bytesPerSec int64) (*Sink, error) {
	stageDir := os.TempDir()
	if !isS3URI(dest) {
		stageDir = filepath.Dir(dest)
	}

	tmp, err := os.CreateTemp(stageDir, "nbackup-dedup-rewrite-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}

	base := newThrottledWriter(tmp, bytesPerSec)
	w, err := WrapCompression(base, compression)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}

	return &Sink{dest: dest, tmp: tmp, w: w}, nil
}

// Writer returns the io.Writer the rewriter should write its output to.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Commit flushes and closes the staging writer, then moves the finished
// file to its destination: a rename for a local path, an upload for
// s3://. Call this only after the rewrite has fully succeeded.
func (s *Sink) Commit(ctx context.Context) error {
	if err := s.w.Close(); err != nil {
		s.abortTemp()
		return fmt.Errorf("flushing staged output: %w", err)
	}

	if !isS3URI(s.dest) {
		if err := s.tmp.Close(); err != nil {
			s.abortTemp()
			return fmt.Errorf("closing staged output: %w", err)
		}
		if err := os.Rename(s.tmp.Name(), s.dest); err != nil {
			s.abortTemp()
			return fmt.Errorf("renaming staged output to %q: %w", s.dest, err)
		}
		return nil
	}

	defer s.abortTemp()
	if _, err := s.tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding staged output: %w", err)
	}

	bucket, key, err := parseS3URI(s.dest)
	if err != nil {
		return err
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	uploader := manager.NewUploader(s3.NewFromConfig(cfg))
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   s.tmp,
	}); err != nil {
		return fmt.Errorf("uploading to %s: %w", s.dest, err)
	}
	return nil
}

// Abort discards the staged output without touching the destination.
func (s *Sink) Abort() {
	s.w.Close()
	s.abortTemp()
}

func (s *Sink) abortTemp() {
	s.tmp.Close()
	os.Remove(s.tmp.Name())
}

func isS3URI(loc string) bool {
	return len(loc) >= 5 && loc[:5] == "s3://"
}
