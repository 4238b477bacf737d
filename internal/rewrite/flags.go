// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rewrite

// Feature bits packed into a BEGIN record's VersionInfo. Only the dedup
// pair is meaningful to this rewriter; every other bit is opaque and must
// survive untouched.
const (
	featureDedup      uint64 = 1 << 0
	featureDedupProps uint64 = 1 << 1
)

// clearDedupFlags strips the DEDUP and DEDUP_PROPS bits from v, leaving
// every other feature bit as-is.
func clearDedupFlags(v uint64) uint64 {
	return v &^ (featureDedup | featureDedupProps)
}
