// Package accutree implements the accumulator tree forest (spec.md
// §4.2, component C4): an append-only Merkle structure over per-
// transaction and per-receipt leaves that produces transaction_root and
// receipt_root, reset at each epoch boundary.
//
// The tree always keeps one reserved, zero-filled leaf slot ahead of the
// real leaves: at n leaves the root is computed over a complete binary
// tree of height bit_length(n), with positions [n, 2^height) padded with
// types.ZeroHash. This matches spec.md §8's literal single-leaf and
// two-leaf worked examples, and keeps inclusion proofs O(log n).
//
// Grounded on the teacher's pkg/merkle/tree.go domain-separated combine
// rule, generalized from a one-shot build into an incremental append.
package accutree

import "github.com/ledgerstate/statemanager/internal/types"

// Accumulator is the in-memory state of one append-only tree: the
// ordered leaves appended so far.
type Accumulator struct {
	Leaves []types.Hash32
}

// Append adds one leaf to the tree.
func (a *Accumulator) Append(leaf types.Hash32) {
	a.Leaves = append(a.Leaves, leaf)
}

// bitLength returns the number of bits needed to represent n (0 for
// n == 0), i.e. floor(log2(n)) + 1 for n >= 1.
func bitLength(n uint64) int {
	h := 0
	for n > 0 {
		h++
		n >>= 1
	}
	return h
}

// Root computes the root over a complete binary tree of height
// bit_length(len(Leaves)), zero-padding any position beyond the real
// leaves. This reserves at least one future slot at every leaf count,
// including exact powers of two.
func (a *Accumulator) Root() types.Hash32 {
	n := len(a.Leaves)
	if n == 0 {
		return types.ZeroHash
	}
	height := bitLength(uint64(n))
	capacity := 1 << height
	level := make([]types.Hash32, capacity)
	for i := 0; i < capacity; i++ {
		if i < n {
			level[i] = a.Leaves[i]
		} else {
			level[i] = types.ZeroHash
		}
	}
	for size := capacity; size > 1; size /= 2 {
		next := make([]types.Hash32, size/2)
		for i := 0; i < size/2; i++ {
			next[i] = types.Merge(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

// Clone returns an independent copy, used when staging a speculative
// append (execution cache, series executor) that must not mutate the
// persisted accumulator.
func (a *Accumulator) Clone() *Accumulator {
	out := &Accumulator{Leaves: make([]types.Hash32, len(a.Leaves))}
	copy(out.Leaves, a.Leaves)
	return out
}
