// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package recordio implements the binary record codec for a filesystem
// replication stream: a fixed-size header (with a kind discriminant and a
// kind-specific body) plus a variable-length payload, and the trailing
// checksum-slot stamping protocol shared by every non-BEGIN record.
//
// The wire format here is grounded in the structure of ZFS's
// dmu_replay_record_t (see cmd/zstream/zstream_redup.c), but is this
// module's own encoding — it is not byte-compatible with a real zfs send
// stream, since recordio is never asked to interoperate with one.
package recordio

// Kind is the record discriminant, spec.md §3's "kind" field.
type Kind uint64

const (
	KindBegin Kind = iota + 1
	KindEnd
	KindObject
	KindFreeObjects
	KindWrite
	KindWriteByRef
	KindWriteEmbedded
	KindSpill
	KindFree
	KindObjectRange
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindEnd:
		return "END"
	case KindObject:
		return "OBJECT"
	case KindFreeObjects:
		return "FREEOBJECTS"
	case KindWrite:
		return "WRITE"
	case KindWriteByRef:
		return "WRITE_BYREF"
	case KindWriteEmbedded:
		return "WRITE_EMBEDDED"
	case KindSpill:
		return "SPILL"
	case KindFree:
		return "FREE"
	case KindObjectRange:
		return "OBJECT_RANGE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether k is one of the ten known discriminants.
func (k Kind) Valid() bool {
	return k >= KindBegin && k <= KindObjectRange
}

// BeginMagic identifies a well-formed BEGIN record, the analog of
// DMU_BACKUP_MAGIC in the original stream format.
const BeginMagic uint64 = 0x12cee5a11a5e11c0
