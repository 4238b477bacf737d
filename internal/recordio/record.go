// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recordio

import (
	"errors"
	"fmt"
	"io"

	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/checksum"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteerr"
)

// ReadHeader reads exactly one HeaderSize-byte block from r and decodes it.
// A clean EOF before any byte is read returns (nil, io.EOF) so the caller
// can terminate its loop; any other short read is CORRUPT_STREAM.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.EOF) && n == 0:
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF) || (errors.Is(err, io.EOF) && n > 0):
		return nil, fmt.Errorf("%w: truncated header (%d of %d bytes)", rewriteerr.ErrCorruptStream, n, HeaderSize)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", rewriteerr.ErrIO, err)
	}
	return DecodeHeader(buf)
}

// ReadPayload reads the declared payload into *buf, growing it if needed,
// and returns the slice of exactly size bytes actually read.
func ReadPayload(r io.Reader, buf *[]byte, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if uint64(cap(*buf)) < size {
		*buf = make([]byte, size)
	}
	p := (*buf)[:size]
	if _, err := io.ReadFull(r, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated payload", rewriteerr.ErrCorruptStream)
		}
		return nil, fmt.Errorf("%w: %v", rewriteerr.ErrIO, err)
	}
	return p, nil
}

// WriteRecord implements the checksum stamping protocol: for BEGIN, the
// checksum slot is neither zeroed, stamped, nor folded into st — only the
// preamble and body are. For every other kind the slot is zeroed, the
// header up to the slot is folded into st, the running value of st is
// stamped into the slot, and the slot itself is folded into st in turn.
//
// preserveChecksum suppresses the zero-then-stamp step while still folding
// the slot bytes as-is; the only caller that needs this is the rewriter's
// END handling for the all-zero package-terminator sentinel, where the
// transmitted checksum must survive the emit untouched.
func WriteRecord(w io.Writer, st *checksum.State, h *Header, payload []byte, preserveChecksum bool) error {
	stamp := h.Kind != KindBegin && !preserveChecksum
	if stamp {
		h.Checksum = [checksumSize]byte{}
	}

	buf := EncodeHeader(h)
	st.Update(buf[:checksumSlotOffset])

	if stamp {
		sum := st.Sum()
		h.Checksum = sum.Bytes()
		copy(buf[checksumSlotOffset:HeaderSize], h.Checksum[:])
		st.Update(buf[checksumSlotOffset:HeaderSize])
	} else if h.Kind != KindBegin {
		st.Update(buf[checksumSlotOffset:HeaderSize])
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", rewriteerr.ErrIO, err)
	}
	if len(payload) > 0 {
		st.Update(payload)
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("%w: %v", rewriteerr.ErrIO, err)
		}
	}
	return nil
}
