// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rewriteerr defines the sentinel error kinds shared by the
// record codec, redup index, and rewriter engine, so that callers can
// classify a failure with errors.Is regardless of which layer raised it.
package rewriteerr

import "errors"

var (
	// ErrNotSeekable is returned when the input channel does not support
	// positioned reads. Raised before any output is produced.
	ErrNotSeekable = errors.New("redup: input is not seekable")

	// ErrIO wraps a read or write failure, including a short read or
	// write mid-record.
	ErrIO = errors.New("redup: I/O error")

	// ErrCorruptStream is returned for an unknown record kind, an
	// unexpected EOF within a record, a BEGIN magic mismatch, or a
	// WRITE_BYREF whose resolved record is not a WRITE or whose
	// identity fields disagree with the byref.
	ErrCorruptStream = errors.New("redup: corrupt stream")

	// ErrDanglingReference is returned when a WRITE_BYREF's key is
	// absent from the redup index.
	ErrDanglingReference = errors.New("redup: dangling back-reference")

	// ErrOutOfMemory names the allocation-failure kind for the redup
	// index or payload buffer. No code path in this module returns it:
	// a failed allocation in Go is a fatal runtime error.
	ErrOutOfMemory = errors.New("redup: out of memory")
)
