// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package redup implements the size-bounded, chained hash index over
// (guid, object, offset) that the rewriter consults to resolve a
// WRITE_BYREF record back to the stream offset of the WRITE it refers to.
//
// Grounded in the structure of zstream_redup.c's redup_entry_t /
// redup_table_t: separate chaining, no rehash, no eviction, entries live
// for the lifetime of the index.
package redup

import (
	"fmt"
	"math/bits"
	"math/rand"

	"github.com/opencoff/go-fasthash"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteerr"
)

// entrySize approximates sizeof(REDUP_ENTRY): three identity fields plus
// the stream offset, each an 8-byte word, used only to size the bucket
// array — the entries themselves are heap-allocated list nodes.
const entrySize = 4 * 8

// smallestMaxMemMB is the floor applied to the memory cap regardless of
// how little physical memory gopsutil reports, so the index is never
// sized to a handful of buckets on a starved host.
const smallestMaxMemMB = 128

// key identifies one (guid, object, offset) triple.
type key struct {
	guid, object, offset uint64
}

type entry struct {
	key
	streamOffset uint64
	next         *entry
}

// Index is a separate-chaining hash table keyed by (guid, object, offset).
// It is not safe for concurrent use; the rewriter drives it from a single
// goroutine.
type Index struct {
	buckets []*entry
	mask    uint64
	salt    uint64
	count   int
}

// New creates an Index pre-sized from the host's available memory via
// MemoryCap. salt randomizes the hash function per Index so that
// adversarial (guid, object, offset) sequences cannot force worst-case
// chain lengths across runs.
func New() *Index {
	return NewWithCap(MemoryCap())
}

// NewWithCap creates an Index whose bucket array targets memCapBytes of
// entry storage, letting callers override the host-derived default (tests,
// or an explicit configuration cap).
func NewWithCap(memCapBytes uint64) *Index {
	numBuckets := roundDownPow2(memCapBytes / entrySize)
	if numBuckets == 0 {
		numBuckets = 1
	}
	return &Index{
		buckets: make([]*entry, numBuckets),
		mask:    numBuckets - 1,
		salt:    rand.Uint64(),
	}
}

// MemoryCap implements the sizing policy: max(20% of physical memory,
// 128 MiB) on 64-bit hosts; a fixed 128 MiB on 32-bit hosts, where 20%
// of physical memory is often a few hundred MiB in total.
func MemoryCap() uint64 {
	const mib = 1 << 20
	floor := uint64(smallestMaxMemMB) * mib

	if bits.UintSize < 64 {
		return floor
	}

	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return floor
	}
	target := vm.Total / 5
	if target < floor {
		return floor
	}
	return target
}

func roundDownPow2(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return uint64(1) << (bits.Len64(n) - 1)
}

func (idx *Index) hash(k key) uint64 {
	var buf [24]byte
	putUint64(buf[0:8], k.guid)
	putUint64(buf[8:16], k.object)
	putUint64(buf[16:24], k.offset)
	return fasthash.Hash64(idx.salt, buf[:]) & idx.mask
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

// Insert records that the WRITE identified by (guid, object, offset)
// begins at streamOffset. The protocol inserts each triple at most once,
// but duplicates are tolerated: the newest entry is prepended to its
// chain and therefore wins on Lookup.
func (idx *Index) Insert(guid, object, offset, streamOffset uint64) {
	k := key{guid, object, offset}
	b := idx.hash(k)
	idx.buckets[b] = &entry{key: k, streamOffset: streamOffset, next: idx.buckets[b]}
	idx.count++
}

// Lookup resolves (guid, object, offset) to the stream offset recorded by
// a prior Insert. A miss is a protocol violation: WRITE_BYREF always names
// an object already written earlier in the same input.
func (idx *Index) Lookup(guid, object, offset uint64) (uint64, error) {
	k := key{guid, object, offset}
	for e := idx.buckets[idx.hash(k)]; e != nil; e = e.next {
		if e.key == k {
			return e.streamOffset, nil
		}
	}
	return 0, fmt.Errorf("%w: (guid=%d, object=%d, offset=%d) not found", rewriteerr.ErrDanglingReference, guid, object, offset)
}

// Len reports the number of entries inserted so far (including any
// duplicate triples, which are never deduplicated against each other).
func (idx *Index) Len() int {
	return idx.count
}

// NumBuckets reports the size of the bucket array, a power of two.
func (idx *Index) NumBuckets() int {
	return len(idx.buckets)
}
