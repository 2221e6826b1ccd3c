package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashLength is the size in bytes of every hash used across the ledger's
// committed hash structures.
const HashLength = 32

// Hash32 is a fixed-size 32-byte hash.
type Hash32 [HashLength]byte

// ZeroHash is the all-zero sentinel used as the right sibling when an
// accumulator tree's frontier is odd.
var ZeroHash = Hash32{}

func (h Hash32) String() string { return hex.EncodeToString(h[:]) }

// Bytes returns the raw bytes of h.
func (h Hash32) Bytes() []byte { return h[:] }

// IsZero reports whether h is the all-zero hash.
func (h Hash32) IsZero() bool { return h == ZeroHash }

// HashBytes computes a plain SHA-256 digest.
func HashBytes(data []byte) Hash32 {
	return sha256.Sum256(data)
}

// domain separation tags for Merge, matching the tier/role of the two
// operands so that a transaction-root hash can never collide with a
// receipt-root or state-root hash computed over the same bytes.
var (
	mergeDomainAccu  = []byte{0x01}
	mergeDomainState = []byte{0x02}
)

// Merge combines two 32-byte hashes into one, domain-separated so that
// Merge(l, r) for the accumulator trees can never be confused with a
// state-tree internal-node hash over the same inputs.
func Merge(l, r Hash32) Hash32 {
	buf := make([]byte, 0, 1+2*HashLength)
	buf = append(buf, mergeDomainAccu...)
	buf = append(buf, l[:]...)
	buf = append(buf, r[:]...)
	return sha256.Sum256(buf)
}

// MergeState is the domain-separated combiner used inside the state hash
// tree's internal nodes, kept distinct from the accumulator's Merge.
func MergeState(parts ...[]byte) Hash32 {
	h := sha256.New()
	h.Write(mergeDomainState)
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// HashToBytes32 copies a slice into a Hash32 without checking its length:
// a shorter slice is zero-padded and bytes past the 32nd are dropped.
func HashToBytes32(b []byte) Hash32 {
	var out Hash32
	copy(out[:], b)
	return out
}

// TombstoneValueHash is the sentinel value hash recorded at a state hash
// tree leaf to represent a deleted substate. The tree never removes a key
// structurally; deletion is this leaf value, same as any other write.
var TombstoneValueHash = HashBytes([]byte("substate-tombstone"))
