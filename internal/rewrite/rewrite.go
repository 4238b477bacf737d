// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rewrite drives the dedup-stream-to-plain-stream transform: it
// decodes one record at a time, resolves WRITE_BYREF back-references by
// positioned re-read of the input, strips the DEDUP feature flags from
// every BEGIN, and recomputes the running checksum trailer as it emits
// each record.
//
// Grounded in zfs_redup_stream() in zstream_redup.c, restructured around
// Go's io.Reader / io.ReaderAt split rather than a single seekable FILE*.
package rewrite

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/checksum"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/recordio"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/redup"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteerr"
)

// Options configures a Rewrite call. The zero value is usable: a fresh
// index is sized from host memory and logging is discarded.
type Options struct {
	// Index lets a caller supply a pre-sized redup.Index (tests, or a
	// configured memory cap). When nil, redup.New() is used.
	Index *redup.Index

	// Logger receives per-substream progress; defaults to a no-op
	// logger when nil.
	Logger *slog.Logger
}

// Result summarizes one Rewrite call.
type Result struct {
	RecordsRead      int64
	RecordsWritten   int64
	BytesWritten     int64
	Substreams       int
	BackrefsResolved int64
}

// Rewrite reads a replication stream from input and writes the
// dedup-free, checksum-corrected equivalent to output. input must also
// implement io.ReaderAt, since WRITE_BYREF resolution needs a positioned
// read that does not disturb the sequential cursor; a plain io.Reader
// fails with ErrNotSeekable before anything is written.
func Rewrite(input io.Reader, output io.Writer, opts Options) (Result, error) {
	ra, ok := input.(io.ReaderAt)
	if !ok {
		return Result{}, rewriteerr.ErrNotSeekable
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	idx := opts.Index
	if idx == nil {
		idx = redup.New()
	}

	e := &engine{
		seq:    input,
		ra:     ra,
		out:    output,
		index:  idx,
		logger: logger,
	}
	return e.run()
}

type engine struct {
	seq io.Reader
	ra  io.ReaderAt
	out io.Writer

	index  *redup.Index
	logger *slog.Logger

	pos         int64 // sequential cursor, P in the design
	cksum       checksum.State
	payloadBuf  []byte
	refBuf      []byte // scratch for positioned reads during WRITE_BYREF
	refHeadBuf  [recordio.HeaderSize]byte
	result      Result
	inSubstream bool
}

func (e *engine) run() (Result, error) {
	for {
		h, recordStart, err := e.readHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return e.result, nil
			}
			return e.result, err
		}
		e.result.RecordsRead++

		originalChecksum := h.Checksum
		if h.Kind != recordio.KindBegin {
			h.Checksum = [32]byte{}
		}

		var payload []byte
		preserveChecksum := false

		switch h.Kind {
		case recordio.KindBegin:
			e.cksum.Reset()
			e.inSubstream = true
			h.VersionInfo = clearDedupFlags(h.VersionInfo)
			payload, err = e.readPayload(h.PayloadLen)

		case recordio.KindEnd:
			// A non-zero END checksum is restamped by WriteRecord with the
			// running checksum at the slot; the all-zero package terminator
			// is emitted as-is.
			preserveChecksum = originalChecksum == ([32]byte{})

		case recordio.KindObject:
			size, _ := h.PayloadSize()
			payload, err = e.readPayload(size)

		case recordio.KindSpill:
			payload, err = e.readPayload(h.PSize)

		case recordio.KindWrite:
			payload, err = e.readPayload(h.PSize)
			if err == nil {
				e.index.Insert(h.ToGUID, h.Object, h.Offset, uint64(recordStart))
			}

		case recordio.KindWriteByRef:
			h, payload, err = e.resolveByRef(h)
			if err == nil {
				e.result.BackrefsResolved++
			}

		case recordio.KindWriteEmbedded:
			size, _ := h.PayloadSize()
			payload, err = e.readPayload(size)

		case recordio.KindFree, recordio.KindFreeObjects, recordio.KindObjectRange:
			// no payload

		default:
			return e.result, fmt.Errorf("%w: unsupported record kind %s", rewriteerr.ErrCorruptStream, h.Kind)
		}
		if err != nil {
			return e.result, err
		}

		if err := recordio.WriteRecord(e.out, &e.cksum, h, payload, preserveChecksum); err != nil {
			return e.result, err
		}
		e.result.RecordsWritten++
		e.result.BytesWritten += int64(recordio.HeaderSize) + int64(len(payload))

		if h.Kind == recordio.KindEnd {
			e.cksum.Reset()
			e.inSubstream = false
			e.result.Substreams++
			e.logger.Debug("substream rewritten", "substream", e.result.Substreams)
		}
	}
}

// readHeader reads the next header from the sequential cursor, returning
// its starting stream offset alongside it, and advances e.pos.
func (e *engine) readHeader() (*recordio.Header, int64, error) {
	start := e.pos
	h, err := recordio.ReadHeader(e.seq)
	if err != nil {
		return nil, 0, err
	}
	e.pos += int64(recordio.HeaderSize)
	return h, start, nil
}

func (e *engine) readPayload(size uint64) ([]byte, error) {
	p, err := recordio.ReadPayload(e.seq, &e.payloadBuf, size)
	if err != nil {
		return nil, err
	}
	e.pos += int64(size)
	return p, nil
}

// resolveByRef splices in the payload of the WRITE record that a
// WRITE_BYREF names, and rewrites the emitted header's identity fields to
// the byref's own (toguid, object, offset) triple. The sequential cursor
// is untouched: both reads go through e.ra, the positioned-read channel.
func (e *engine) resolveByRef(byref *recordio.Header) (*recordio.Header, []byte, error) {
	streamOffset, err := e.index.Lookup(byref.RefGUID, byref.RefObject, byref.RefOffset)
	if err != nil {
		return nil, nil, err
	}

	if _, err := e.ra.ReadAt(e.refHeadBuf[:], int64(streamOffset)); err != nil {
		return nil, nil, fmt.Errorf("%w: reading referenced header at offset %d: %v", rewriteerr.ErrIO, streamOffset, err)
	}
	src, err := recordio.DecodeHeader(e.refHeadBuf[:])
	if err != nil {
		return nil, nil, err
	}
	if src.Kind != recordio.KindWrite ||
		src.ToGUID != byref.RefGUID || src.Object != byref.RefObject || src.Offset != byref.RefOffset {
		return nil, nil, fmt.Errorf("%w: WRITE_BYREF target at offset %d is not the matching WRITE", rewriteerr.ErrCorruptStream, streamOffset)
	}

	if uint64(cap(e.refBuf)) < src.PSize {
		e.refBuf = make([]byte, src.PSize)
	}
	payload := e.refBuf[:src.PSize]
	if src.PSize > 0 {
		if _, err := e.ra.ReadAt(payload, int64(streamOffset)+int64(recordio.HeaderSize)); err != nil {
			return nil, nil, fmt.Errorf("%w: reading referenced payload at offset %d: %v", rewriteerr.ErrIO, streamOffset, err)
		}
	}

	out := *src
	out.ToGUID = byref.ToGUID
	out.Object = byref.Object
	out.Offset = byref.Offset
	return &out, payload, nil
}
