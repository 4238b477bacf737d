// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package checksum implements the fletcher-4 incremental running checksum
// used by the dedup-stream rewriter. It is treated as an opaque external
// collaborator by the rewriter: callers fold bytes in and read back a
// 256-bit state, and never need to know the internal recurrence.
package checksum

import "encoding/binary"

// Size is the width in bytes of a fletcher-4 checksum value.
const Size = 32

// Sum256 is a 256-bit fletcher-4 checksum value (four 64-bit words).
type Sum256 [4]uint64

// IsZero reports whether s is the all-zero sentinel checksum, used by the
// stream-package terminator END record (spec.md §9's open question).
func (s Sum256) IsZero() bool {
	return s[0] == 0 && s[1] == 0 && s[2] == 0 && s[3] == 0
}

// Bytes encodes s as big-endian bytes, the wire representation stamped
// into a RECORD's trailing checksum slot.
func (s Sum256) Bytes() [Size]byte {
	var b [Size]byte
	binary.BigEndian.PutUint64(b[0:8], s[0])
	binary.BigEndian.PutUint64(b[8:16], s[1])
	binary.BigEndian.PutUint64(b[16:24], s[2])
	binary.BigEndian.PutUint64(b[24:32], s[3])
	return b
}

// SumFromBytes decodes a big-endian checksum slot back into a Sum256.
func SumFromBytes(b [Size]byte) Sum256 {
	return Sum256{
		binary.BigEndian.Uint64(b[0:8]),
		binary.BigEndian.Uint64(b[8:16]),
		binary.BigEndian.Uint64(b[16:24]),
		binary.BigEndian.Uint64(b[24:32]),
	}
}

// State is an incremental fletcher-4 accumulator. The zero value is a
// valid, zeroed starting state. State is not safe for concurrent use;
// the rewriter owns exactly one State per sub-stream.
type State struct {
	a, b, c, d uint64
	tail       []byte // holds 1-3 bytes carried over from a non-4-aligned Update
}

// Reset zeros the accumulator, matching a BEGIN record resetting the
// running checksum (spec.md §4.3/§4.4).
func (s *State) Reset() {
	s.a, s.b, s.c, s.d = 0, 0, 0, 0
	s.tail = s.tail[:0]
}

// Sum returns the current 256-bit checksum value without mutating state.
func (s *State) Sum() Sum256 {
	return Sum256{s.a, s.b, s.c, s.d}
}

// Update folds buf into the running checksum. The fletcher-4 recurrence
// processes 32-bit little-endian words: a+=w; b+=a; c+=b; d+=c. Any
// trailing bytes that don't complete a 4-byte word are carried over and
// combined with the start of the next Update call, so Update may be
// called with arbitrarily sized chunks of a logically contiguous byte
// stream and still produce the same result as one large call.
func (s *State) Update(buf []byte) {
	if len(s.tail) > 0 {
		buf = append(append([]byte{}, s.tail...), buf...)
		s.tail = s.tail[:0]
	}
	n := len(buf) - len(buf)%4
	for i := 0; i < n; i += 4 {
		w := uint64(binary.LittleEndian.Uint32(buf[i : i+4]))
		s.a += w
		s.b += s.a
		s.c += s.b
		s.d += s.c
	}
	if rem := buf[n:]; len(rem) > 0 {
		s.tail = append(s.tail[:0], rem...)
	}
}
