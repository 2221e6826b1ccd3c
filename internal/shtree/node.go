package shtree

import (
	"github.com/ledgerstate/statemanager/internal/types"
)

// NodeKind tags the two variants actually persisted: Null (the sentinel
// empty trie) and Branch. Branch generalizes spec.md §4.1's Internal/Leaf
// split: a Branch may carry up to 16 ChildRefs *and* a terminal value,
// which is how a key that is itself a prefix of a longer key is
// represented. This trades spec.md's key-suffix path compression (an
// internal efficiency concern for node count, not an observable one) for
// a simpler, still fully versioned and stale-tracked, radix-16 trie — see
// DESIGN.md for the rationale.
type NodeKind byte

const (
	NodeKindNull NodeKind = iota
	NodeKindBranch
)

// ChildRef is one of a branch's up to 16 children: whether it is present,
// the version at which that child subtree was last written, and its hash.
type ChildRef struct {
	Present bool
	Version uint64
	Hash    types.Hash32
}

// Node is the in-memory representation of one trie node.
type Node struct {
	Kind NodeKind

	Children [16]ChildRef

	HasTerminal      bool
	TerminalHash     types.Hash32
	TerminalAssociated bool // whether associated substate bytes are stored for this terminal
}

// Hash computes the node's content hash, domain-separated from the
// accumulator tree's Merge so the two structures can never collide.
func (n Node) Hash() types.Hash32 {
	if n.Kind == NodeKindNull {
		return types.Hash32{}
	}
	parts := make([][]byte, 0, 34)
	parts = append(parts, []byte{byte(NodeKindBranch)})
	if n.HasTerminal {
		parts = append(parts, []byte{1}, n.TerminalHash[:])
	} else {
		parts = append(parts, []byte{0})
	}
	for i, c := range n.Children {
		if !c.Present {
			continue
		}
		parts = append(parts, []byte{byte(i)}, c.Hash[:])
	}
	return types.MergeState(parts...)
}

// IsEmpty reports whether the node is the Null sentinel.
func (n Node) IsEmpty() bool { return n.Kind == NodeKindNull }

// ChildCount returns how many of the 16 slots are populated.
func (n Node) ChildCount() int {
	count := 0
	for _, c := range n.Children {
		if c.Present {
			count++
		}
	}
	return count
}
