// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recordio

import (
	"encoding/binary"
	"fmt"

	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteerr"
)

// DecodeHeader parses a HeaderSize-byte buffer into a Header. buf must
// be exactly HeaderSize bytes (callers read a fixed-size block before
// calling this, per spec.md §4.1).
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", rewriteerr.ErrCorruptStream, len(buf))
	}

	h := &Header{
		Kind:       Kind(binary.BigEndian.Uint64(buf[0:8])),
		PayloadLen: binary.BigEndian.Uint64(buf[8:16]),
	}
	if !h.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown record kind %d", rewriteerr.ErrCorruptStream, h.Kind)
	}

	body := buf[preambleSize : preambleSize+bodySize]
	switch h.Kind {
	case KindBegin:
		h.Magic = binary.BigEndian.Uint64(body[0:8])
		h.VersionInfo = binary.BigEndian.Uint64(body[8:16])
		if h.Magic != BeginMagic {
			return nil, fmt.Errorf("%w: BEGIN magic mismatch (got 0x%x)", rewriteerr.ErrCorruptStream, h.Magic)
		}
	case KindObject:
		h.Object = binary.BigEndian.Uint64(body[0:8])
		h.BonusType = binary.BigEndian.Uint32(body[8:12])
		h.Blksz = binary.BigEndian.Uint32(body[12:16])
		h.BonusLen = binary.BigEndian.Uint32(body[16:20])
	case KindWrite:
		h.ToGUID = binary.BigEndian.Uint64(body[0:8])
		h.Object = binary.BigEndian.Uint64(body[8:16])
		h.Offset = binary.BigEndian.Uint64(body[16:24])
		h.LogicalSize = binary.BigEndian.Uint64(body[24:32])
		h.PSize = binary.BigEndian.Uint64(body[32:40])
		h.Compression = body[40]
		h.ChecksumType = body[41]
	case KindWriteByRef:
		h.ToGUID = binary.BigEndian.Uint64(body[0:8])
		h.Object = binary.BigEndian.Uint64(body[8:16])
		h.Offset = binary.BigEndian.Uint64(body[16:24])
		h.RefGUID = binary.BigEndian.Uint64(body[24:32])
		h.RefObject = binary.BigEndian.Uint64(body[32:40])
		h.RefOffset = binary.BigEndian.Uint64(body[40:48])
	case KindWriteEmbedded:
		h.PSize = binary.BigEndian.Uint64(body[0:8])
	case KindSpill:
		h.Object = binary.BigEndian.Uint64(body[0:8])
		h.Length = binary.BigEndian.Uint64(body[8:16])
		h.PSize = binary.BigEndian.Uint64(body[16:24])
		h.Compression = body[24]
	case KindFree:
		h.Object = binary.BigEndian.Uint64(body[0:8])
		h.Offset = binary.BigEndian.Uint64(body[8:16])
		h.Length = binary.BigEndian.Uint64(body[16:24])
	case KindFreeObjects:
		h.FirstObject = binary.BigEndian.Uint64(body[0:8])
		h.NumObjects = binary.BigEndian.Uint64(body[8:16])
	case KindObjectRange:
		h.FirstObject = binary.BigEndian.Uint64(body[0:8])
		h.NumSlots = binary.BigEndian.Uint64(body[8:16])
	case KindEnd:
		// no body fields
	}

	copy(h.Checksum[:], buf[checksumSlotOffset:HeaderSize])
	return h, nil
}
