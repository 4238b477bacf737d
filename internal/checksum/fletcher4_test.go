// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package checksum

import "testing"

func TestState_ZeroValueIsZeroSum(t *testing.T) {
	var s State
	if !s.Sum().IsZero() {
		t.Fatal("expected zero-value State to produce a zero sum")
	}
}

func TestState_ResetClearsAccumulator(t *testing.T) {
	var s State
	s.Update([]byte("abcdefgh"))
	if s.Sum().IsZero() {
		t.Fatal("expected non-zero sum after Update")
	}
	s.Reset()
	if !s.Sum().IsZero() {
		t.Fatal("expected zero sum after Reset")
	}
}

func TestState_AssociativeOverChunking(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog 0123")

	var whole State
	whole.Update(data)

	var chunked State
	for i := 0; i < len(data); i++ {
		chunked.Update(data[i : i+1])
	}

	if whole.Sum() != chunked.Sum() {
		t.Fatalf("expected chunked update to match whole update: %v != %v", chunked.Sum(), whole.Sum())
	}
}

func TestState_UpdateIsOrderSensitive(t *testing.T) {
	var a, b State
	a.Update([]byte("AAAABBBB"))
	b.Update([]byte("BBBBAAAA"))
	if a.Sum() == b.Sum() {
		t.Fatal("expected different byte order to produce different checksums")
	}
}

func TestSum256_BytesRoundTrip(t *testing.T) {
	var s State
	s.Update([]byte("0123456789abcdef"))
	sum := s.Sum()

	rt := SumFromBytes(sum.Bytes())
	if rt != sum {
		t.Fatalf("round trip mismatch: %v != %v", rt, sum)
	}
}
