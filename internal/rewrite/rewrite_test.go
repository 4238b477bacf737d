// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rewrite

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/checksum"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/recordio"
	"github.com/nishisan-dev/nbackup-dedup-rewrite/internal/rewriteerr"
)

// streamBuilder assembles a literal input stream from raw headers and
// payloads, independent of the engine under test, so fixtures exercise
// exactly the on-wire bytes a producer would have sent.
type streamBuilder struct {
	buf bytes.Buffer
}

func (b *streamBuilder) add(h *recordio.Header, payload []byte) *streamBuilder {
	h.PayloadLen = uint64(len(payload))
	b.buf.Write(recordio.EncodeHeader(h))
	b.buf.Write(payload)
	return b
}

func (b *streamBuilder) bytes() []byte {
	return b.buf.Bytes()
}

func begin(versionInfo uint64) *recordio.Header {
	return &recordio.Header{Kind: recordio.KindBegin, Magic: recordio.BeginMagic, VersionInfo: versionInfo}
}

func end(cksum [32]byte) *recordio.Header {
	return &recordio.Header{Kind: recordio.KindEnd, Checksum: cksum}
}

func write(toGUID, object, offset uint64, data []byte) *recordio.Header {
	return &recordio.Header{
		Kind: recordio.KindWrite, ToGUID: toGUID, Object: object, Offset: offset,
		LogicalSize: uint64(len(data)), PSize: uint64(len(data)),
	}
}

func byref(toGUID, object, offset, refGUID, refObject, refOffset uint64) *recordio.Header {
	return &recordio.Header{
		Kind: recordio.KindWriteByRef, ToGUID: toGUID, Object: object, Offset: offset,
		RefGUID: refGUID, RefObject: refObject, RefOffset: refOffset,
	}
}

// decodeAll parses a rewritten stream back into (header, payload) pairs
// for assertion, using the record codec independently of the engine.
func decodeAll(t *testing.T, data []byte) []struct {
	h       *recordio.Header
	payload []byte
} {
	t.Helper()
	var out []struct {
		h       *recordio.Header
		payload []byte
	}
	r := bytes.NewReader(data)
	for {
		h, err := recordio.ReadHeader(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decodeAll: ReadHeader: %v", err)
		}
		size, ok := h.PayloadSize()
		if !ok {
			t.Fatalf("decodeAll: unknown payload size for %s", h.Kind)
		}
		var payload []byte
		if size > 0 {
			payload = make([]byte, size)
			if _, err := io.ReadFull(r, payload); err != nil {
				t.Fatalf("decodeAll: payload read: %v", err)
			}
		}
		out = append(out, struct {
			h       *recordio.Header
			payload []byte
		}{h, payload})
	}
	return out
}

func TestScenario1_SimpleByRefExpansion(t *testing.T) {
	in := (&streamBuilder{}).
		add(begin(0), nil).
		add(write(1, 1, 0, []byte("abc")), []byte("abc")).
		add(byref(2, 2, 0, 1, 1, 0), nil).
		add(end([32]byte{}), nil).
		bytes()

	var out bytes.Buffer
	result, err := Rewrite(bytes.NewReader(in), &out, Options{})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if result.RecordsRead != 4 || result.RecordsWritten != 4 {
		t.Fatalf("record counts = %+v", result)
	}

	got := decodeAll(t, out.Bytes())
	if len(got) != 4 {
		t.Fatalf("got %d records, want 4", len(got))
	}
	if got[0].h.Kind != recordio.KindBegin {
		t.Fatalf("record 0 kind = %s", got[0].h.Kind)
	}
	if got[2].h.Kind != recordio.KindWrite || got[2].h.ToGUID != 2 || got[2].h.Object != 2 || got[2].h.Offset != 0 {
		t.Fatalf("record 2 = %+v, want expanded WRITE[2,2,0]", got[2].h)
	}
	if string(got[2].payload) != "abc" {
		t.Fatalf("record 2 payload = %q, want %q", got[2].payload, "abc")
	}
	for _, rec := range got {
		if rec.h.Kind == recordio.KindWriteByRef {
			t.Fatal("output still contains a WRITE_BYREF")
		}
	}
}

func TestScenario2_ByRefPicksCorrectWrite(t *testing.T) {
	in := (&streamBuilder{}).
		add(begin(0), nil).
		add(write(1, 1, 0, []byte("x")), []byte("x")).
		add(write(1, 1, 8, []byte("y")), []byte("y")).
		add(byref(9, 9, 0, 1, 1, 8), nil).
		add(end([32]byte{}), nil).
		bytes()

	var out bytes.Buffer
	if _, err := Rewrite(bytes.NewReader(in), &out, Options{}); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	got := decodeAll(t, out.Bytes())
	third := got[3]
	if third.h.Kind != recordio.KindWrite || third.h.ToGUID != 9 || third.h.Object != 9 || third.h.Offset != 0 {
		t.Fatalf("third output record = %+v", third.h)
	}
	if string(third.payload) != "y" {
		t.Fatalf("third output payload = %q, want %q", third.payload, "y")
	}
}

func TestScenario3_IndexSurvivesAcrossSubstreams(t *testing.T) {
	in := (&streamBuilder{}).
		add(begin(0), nil).
		add(write(1, 1, 0, []byte("p")), []byte("p")).
		add(end([32]byte{}), nil).
		add(begin(0), nil).
		add(byref(3, 3, 0, 1, 1, 0), nil).
		add(end([32]byte{}), nil).
		bytes()

	var out bytes.Buffer
	result, err := Rewrite(bytes.NewReader(in), &out, Options{})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if result.Substreams != 2 {
		t.Fatalf("Substreams = %d, want 2", result.Substreams)
	}

	got := decodeAll(t, out.Bytes())
	var begins, ends int
	for _, rec := range got {
		if rec.h.Kind == recordio.KindBegin {
			begins++
		}
		if rec.h.Kind == recordio.KindEnd {
			ends++
		}
	}
	if begins != 2 || ends != 2 {
		t.Fatalf("begins=%d ends=%d, want 2 and 2", begins, ends)
	}
	// The second substream's WRITE_BYREF resolves against the first
	// substream's index entry.
	resolved := got[4]
	if resolved.h.Kind != recordio.KindWrite || resolved.h.ToGUID != 3 {
		t.Fatalf("resolved record = %+v", resolved.h)
	}
	if string(resolved.payload) != "p" {
		t.Fatalf("resolved payload = %q, want %q", resolved.payload, "p")
	}
}

func TestScenario4_PackageTerminatorZeroEndPreserved(t *testing.T) {
	in := (&streamBuilder{}).
		add(begin(0), nil).
		add(write(1, 1, 0, []byte("a")), []byte("a")).
		add(end([32]byte{0xff}), nil). // non-zero: real substream end
		add(end([32]byte{}), nil).     // zero: package terminator
		bytes()

	var out bytes.Buffer
	if _, err := Rewrite(bytes.NewReader(in), &out, Options{}); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	got := decodeAll(t, out.Bytes())
	if len(got) != 4 {
		t.Fatalf("got %d records, want 4", len(got))
	}
	first := got[2]
	second := got[3]
	if first.h.Kind != recordio.KindEnd || first.h.Checksum == ([32]byte{}) {
		t.Fatalf("first END should carry a non-zero recomputed checksum, got %v", first.h.Checksum)
	}
	if second.h.Kind != recordio.KindEnd || second.h.Checksum != ([32]byte{}) {
		t.Fatalf("trailing package-terminator END should remain zero, got %v", second.h.Checksum)
	}
}

func TestScenario5_DanglingReferenceFails(t *testing.T) {
	in := (&streamBuilder{}).
		add(begin(0), nil).
		add(byref(9, 9, 0, 1, 1, 0), nil).
		add(end([32]byte{}), nil).
		bytes()

	var out bytes.Buffer
	_, err := Rewrite(bytes.NewReader(in), &out, Options{})
	if !errors.Is(err, rewriteerr.ErrDanglingReference) {
		t.Fatalf("expected ErrDanglingReference, got %v", err)
	}
}

// nonSeekableReader implements only io.Reader, simulating a streaming
// (non-file) input channel.
type nonSeekableReader struct{ r io.Reader }

func (n nonSeekableReader) Read(p []byte) (int, error) { return n.r.Read(p) }

func TestScenario6_NonSeekableInputFails(t *testing.T) {
	var out bytes.Buffer
	_, err := Rewrite(nonSeekableReader{bytes.NewReader(nil)}, &out, Options{})
	if !errors.Is(err, rewriteerr.ErrNotSeekable) {
		t.Fatalf("expected ErrNotSeekable, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatal("expected nothing written on ErrNotSeekable")
	}
}

func TestEmptyInputProducesNoOutput(t *testing.T) {
	var out bytes.Buffer
	result, err := Rewrite(bytes.NewReader(nil), &out, Options{})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if result.RecordsRead != 0 || out.Len() != 0 {
		t.Fatalf("expected no records and no output, got %+v, %d bytes", result, out.Len())
	}
}

func TestBeginEndOnlyClearsFeatureFlagsAndRecomputesChecksum(t *testing.T) {
	in := (&streamBuilder{}).
		add(begin(featureDedup|featureDedupProps|0x100), nil).
		add(end([32]byte{0x01}), nil).
		bytes()

	var out bytes.Buffer
	if _, err := Rewrite(bytes.NewReader(in), &out, Options{}); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	got := decodeAll(t, out.Bytes())
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].h.VersionInfo != 0x100 {
		t.Fatalf("VersionInfo = %#x, want only bit 0x100 set", got[0].h.VersionInfo)
	}
	if got[1].h.Checksum == ([32]byte{}) {
		t.Fatal("expected non-zero recomputed END checksum")
	}
}

func TestFeatureFlagErasurePreservesOtherBits(t *testing.T) {
	in := (&streamBuilder{}).add(begin(featureDedup | 0xbeef0000), nil).add(end([32]byte{}), nil).bytes()

	var out bytes.Buffer
	if _, err := Rewrite(bytes.NewReader(in), &out, Options{}); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	got := decodeAll(t, out.Bytes())
	if got[0].h.VersionInfo&featureDedup != 0 {
		t.Fatal("DEDUP bit was not cleared")
	}
	if got[0].h.VersionInfo&0xbeef0000 == 0 {
		t.Fatal("unrelated bits were not preserved")
	}
}

func TestRoundTripIdentityWithoutByRefs(t *testing.T) {
	in := (&streamBuilder{}).
		add(begin(0), nil).
		add(write(5, 5, 0, []byte("hello")), []byte("hello")).
		add(write(5, 5, 8, []byte("world")), []byte("world")).
		add(end([32]byte{}), nil).
		bytes()

	var first, second bytes.Buffer
	if _, err := Rewrite(bytes.NewReader(in), &first, Options{}); err != nil {
		t.Fatalf("first Rewrite: %v", err)
	}
	if _, err := Rewrite(bytes.NewReader(first.Bytes()), &second, Options{}); err != nil {
		t.Fatalf("second Rewrite: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatal("rewriting an already-plain stream changed its bytes")
	}
}

func TestChecksumSelfConsistency(t *testing.T) {
	in := (&streamBuilder{}).
		add(begin(0), nil).
		add(write(1, 1, 0, []byte("abc")), []byte("abc")).
		add(end([32]byte{0x9}), nil).
		bytes()

	var out bytes.Buffer
	if _, err := Rewrite(bytes.NewReader(in), &out, Options{}); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	// Recompute the running checksum from scratch over the output and
	// confirm it matches what the engine stamped into the WRITE record.
	data := out.Bytes()
	got := decodeAll(t, data)

	var st checksum.State
	beginBuf := recordio.EncodeHeader(got[0].h)
	st.Update(beginBuf[:recordio.HeaderSize-32])

	writeHeaderCopy := *got[1].h
	writeHeaderCopy.Checksum = [32]byte{}
	buf := recordio.EncodeHeader(&writeHeaderCopy)
	st.Update(buf[:recordio.HeaderSize-32])
	stamped := st.Sum()
	if stamped.Bytes() != got[1].h.Checksum {
		t.Fatalf("recomputed checksum %v does not match stamped slot %v", stamped.Bytes(), got[1].h.Checksum)
	}
}
