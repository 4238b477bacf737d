// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recordio

import "encoding/binary"

// EncodeHeader serializes h into a fixed HeaderSize-byte buffer. The
// checksum slot is encoded from h.Checksum verbatim — callers that need
// the zero-before-hash / stamp-after-hash protocol of spec.md §4.1 are
// responsible for setting h.Checksum appropriately before calling this.
func EncodeHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)

	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Kind))
	binary.BigEndian.PutUint64(buf[8:16], h.PayloadLen)

	body := buf[preambleSize : preambleSize+bodySize]
	switch h.Kind {
	case KindBegin:
		binary.BigEndian.PutUint64(body[0:8], h.Magic)
		binary.BigEndian.PutUint64(body[8:16], h.VersionInfo)
	case KindObject:
		binary.BigEndian.PutUint64(body[0:8], h.Object)
		binary.BigEndian.PutUint32(body[8:12], h.BonusType)
		binary.BigEndian.PutUint32(body[12:16], h.Blksz)
		binary.BigEndian.PutUint32(body[16:20], h.BonusLen)
	case KindWrite:
		binary.BigEndian.PutUint64(body[0:8], h.ToGUID)
		binary.BigEndian.PutUint64(body[8:16], h.Object)
		binary.BigEndian.PutUint64(body[16:24], h.Offset)
		binary.BigEndian.PutUint64(body[24:32], h.LogicalSize)
		binary.BigEndian.PutUint64(body[32:40], h.PSize)
		body[40] = h.Compression
		body[41] = h.ChecksumType
	case KindWriteByRef:
		binary.BigEndian.PutUint64(body[0:8], h.ToGUID)
		binary.BigEndian.PutUint64(body[8:16], h.Object)
		binary.BigEndian.PutUint64(body[16:24], h.Offset)
		binary.BigEndian.PutUint64(body[24:32], h.RefGUID)
		binary.BigEndian.PutUint64(body[32:40], h.RefObject)
		binary.BigEndian.PutUint64(body[40:48], h.RefOffset)
	case KindWriteEmbedded:
		binary.BigEndian.PutUint64(body[0:8], h.PSize)
	case KindSpill:
		binary.BigEndian.PutUint64(body[0:8], h.Object)
		binary.BigEndian.PutUint64(body[8:16], h.Length)
		binary.BigEndian.PutUint64(body[16:24], h.PSize)
		body[24] = h.Compression
	case KindFree:
		binary.BigEndian.PutUint64(body[0:8], h.Object)
		binary.BigEndian.PutUint64(body[8:16], h.Offset)
		binary.BigEndian.PutUint64(body[16:24], h.Length)
	case KindFreeObjects:
		binary.BigEndian.PutUint64(body[0:8], h.FirstObject)
		binary.BigEndian.PutUint64(body[8:16], h.NumObjects)
	case KindObjectRange:
		binary.BigEndian.PutUint64(body[0:8], h.FirstObject)
		binary.BigEndian.PutUint64(body[8:16], h.NumSlots)
	case KindEnd:
		// no body fields; Checksum carries the end-of-substream value.
	}

	copy(buf[checksumSlotOffset:HeaderSize], h.Checksum[:])
	return buf
}
