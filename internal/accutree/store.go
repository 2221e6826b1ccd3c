package accutree

import (
	"encoding/binary"
	"fmt"

	"github.com/ledgerstate/statemanager/internal/codec"
	"github.com/ledgerstate/statemanager/internal/kvdb"
	"github.com/ledgerstate/statemanager/internal/types"
)

const (
	cfSlices = "accumulator_tree_slices"
	cfTips   = "accumulator_tree_tips"
)

// wireAccumulator is the RLP-encodable form of Accumulator: the ordered
// leaf hashes as a flat byte-slice array.
type wireAccumulator struct {
	Hashes [][]byte
}

func toWire(a *Accumulator) wireAccumulator {
	w := wireAccumulator{Hashes: make([][]byte, len(a.Leaves))}
	for i, h := range a.Leaves {
		w.Hashes[i] = h[:]
	}
	return w
}

func fromWire(w wireAccumulator) *Accumulator {
	a := &Accumulator{Leaves: make([]types.Hash32, len(w.Hashes))}
	for i, raw := range w.Hashes {
		a.Leaves[i] = types.HashToBytes32(raw)
	}
	return a
}

// Store persists accumulator trees: one TreeSlice per (scope, epoch,
// cumulative-count) so any past root is reconstructible (spec.md §4.2
// "a root at any state version is reconstructible from its slice"), plus
// a tip pointer per (scope, epoch) for O(1) resume on the next append.
type Store struct {
	slices *kvdb.CF
	tips   *kvdb.CF
}

// NewStore opens the column families backing the accumulator forest.
func NewStore(db *kvdb.DB) *Store {
	return &Store{slices: db.CF(cfSlices), tips: db.CF(cfTips)}
}

func sliceKey(scope string, epoch types.Epoch, count uint64) []byte {
	out := make([]byte, 0, len(scope)+1+8+8)
	out = append(out, []byte(scope)...)
	out = append(out, 0)
	var eb, cb [8]byte
	binary.BigEndian.PutUint64(eb[:], uint64(epoch))
	binary.BigEndian.PutUint64(cb[:], count)
	out = append(out, eb[:]...)
	out = append(out, cb[:]...)
	return out
}

func tipKey(scope string, epoch types.Epoch) []byte {
	out := make([]byte, 0, len(scope)+1+8)
	out = append(out, []byte(scope)...)
	out = append(out, 0)
	var eb [8]byte
	binary.BigEndian.PutUint64(eb[:], uint64(epoch))
	return append(out, eb[:]...)
}

// putSlice stages a TreeSlice write keyed by its ending cumulative count.
func (s *Store) putSlice(batch *kvdb.WriteBatch, scope string, epoch types.Epoch, a *Accumulator) error {
	raw, err := codec.EncodeRLP(toWire(a))
	if err != nil {
		return fmt.Errorf("accutree: encode slice: %w", err)
	}
	if err := batch.Set(cfSlices, sliceKey(scope, epoch, uint64(len(a.Leaves))), raw); err != nil {
		return err
	}
	return batch.Set(cfTips, tipKey(scope, epoch), raw)
}

// GetSliceAtCount loads the persisted frontier as of cumulative leaf
// count atCount within (scope, epoch).
func (s *Store) GetSliceAtCount(scope string, epoch types.Epoch, atCount uint64) (*Accumulator, bool, error) {
	raw, err := s.slices.Get(sliceKey(scope, epoch, atCount))
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	var w wireAccumulator
	if err := codec.DecodeRLP(raw, &w); err != nil {
		return nil, false, fmt.Errorf("accutree: decode slice: %w", err)
	}
	return fromWire(w), true, nil
}

// GetTip loads the most recently appended frontier for (scope, epoch).
func (s *Store) GetTip(scope string, epoch types.Epoch) (*Accumulator, bool, error) {
	raw, err := s.tips.Get(tipKey(scope, epoch))
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	var w wireAccumulator
	if err := codec.DecodeRLP(raw, &w); err != nil {
		return nil, false, fmt.Errorf("accutree: decode tip: %w", err)
	}
	return fromWire(w), true, nil
}

// Tree is the public handle for one named accumulator instance (e.g.
// "transaction" or "receipt"), scoped per epoch per spec.md §4.2's
// epoch-boundary reset.
type Tree struct {
	store *Store
	scope string
}

// NewTree returns the accumulator tree handle named scope.
func NewTree(store *Store, scope string) *Tree {
	return &Tree{store: store, scope: scope}
}

// Append adds leaves (in order) to the tree for epoch, persisting the
// resulting frontier, and returns the new root plus the new cumulative
// leaf count. If this is the first append since epoch changed (no tip
// persisted yet for this (scope, epoch) pair), the forest starts empty,
// which is exactly spec.md §4.2's epoch-boundary reset.
func (t *Tree) Append(batch *kvdb.WriteBatch, epoch types.Epoch, leaves []types.Hash32) (types.Hash32, uint64, error) {
	acc, found, err := t.store.GetTip(t.scope, epoch)
	if err != nil {
		return types.Hash32{}, 0, err
	}
	if !found {
		acc = &Accumulator{}
	}
	for _, leaf := range leaves {
		acc.Append(leaf)
	}
	if err := t.store.putSlice(batch, t.scope, epoch, acc); err != nil {
		return types.Hash32{}, 0, err
	}
	return acc.Root(), uint64(len(acc.Leaves)), nil
}

// Snapshot returns an independent copy of the tree's current frontier for
// epoch (an empty accumulator if nothing has been appended yet), safe to
// mutate without affecting the persisted tip. Used by the series executor
// (C6) to derive per-transaction speculative transaction_root/receipt_root
// values ahead of the real, persisted Append at commit time.
func (t *Tree) Snapshot(epoch types.Epoch) (*Accumulator, error) {
	acc, found, err := t.store.GetTip(t.scope, epoch)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Accumulator{}, nil
	}
	return acc.Clone(), nil
}

// RootAtCount reconstructs the root as of a specific cumulative leaf
// count within epoch, without mutating anything.
func (t *Tree) RootAtCount(epoch types.Epoch, count uint64) (types.Hash32, error) {
	acc, found, err := t.store.GetSliceAtCount(t.scope, epoch, count)
	if err != nil {
		return types.Hash32{}, err
	}
	if !found {
		return types.Hash32{}, fmt.Errorf("accutree: no slice for scope %s epoch %d count %d", t.scope, epoch, count)
	}
	return acc.Root(), nil
}

// CurrentRoot returns the tree's latest root and cumulative count for
// epoch.
func (t *Tree) CurrentRoot(epoch types.Epoch) (types.Hash32, uint64, error) {
	acc, found, err := t.store.GetTip(t.scope, epoch)
	if err != nil {
		return types.Hash32{}, 0, err
	}
	if !found {
		return types.ZeroHash, 0, nil
	}
	return acc.Root(), uint64(len(acc.Leaves)), nil
}
