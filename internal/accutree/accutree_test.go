package accutree

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/ledgerstate/statemanager/internal/kvdb"
	"github.com/ledgerstate/statemanager/internal/types"
)

// TestAccumulatorSingleLeafMatchesSpecWorkedExample pins the literal
// single-leaf-epoch worked example: the root always reserves one more
// leaf slot than have been appended, so even a lone leaf is folded
// once against types.ZeroHash.
func TestAccumulatorSingleLeafMatchesSpecWorkedExample(t *testing.T) {
	leaf := types.HashBytes([]byte("ledger-hash"))
	acc := &Accumulator{}
	acc.Append(leaf)

	want := types.Merge(leaf, types.ZeroHash)
	if got := acc.Root(); got != want {
		t.Errorf("single-leaf root mismatch: got %s, want %s", got, want)
	}
}

// TestAccumulatorTwoLeavesMatchesSpecWorkedExample pins the literal
// two-transaction-same-epoch worked example: the tree height is the
// leaf count's bit length, which for a power-of-two count is one more
// than what would minimally fit the real leaves, so two leaves fold at
// height 2, not height 1.
func TestAccumulatorTwoLeavesMatchesSpecWorkedExample(t *testing.T) {
	h1 := types.HashBytes([]byte("h1"))
	h2 := types.HashBytes([]byte("h2"))
	acc := &Accumulator{}
	acc.Append(h1)
	acc.Append(h2)

	want := types.Merge(types.Merge(h1, h2), types.Merge(types.ZeroHash, types.ZeroHash))
	if got := acc.Root(); got != want {
		t.Errorf("two-leaf root mismatch: got %s, want %s", got, want)
	}
}

func TestAccumulatorFourLeavesReservesAFifthSlot(t *testing.T) {
	leaves := []types.Hash32{
		types.HashBytes([]byte("a")),
		types.HashBytes([]byte("b")),
		types.HashBytes([]byte("c")),
		types.HashBytes([]byte("d")),
	}
	acc := &Accumulator{}
	for _, l := range leaves {
		acc.Append(l)
	}
	// Four leaves still fit within a height-2, 4-leaf tree, but the
	// reserved-capacity rule means the next power of two strictly
	// greater than the count (8) is used, so height is 3, not 2.
	level1 := []types.Hash32{
		types.Merge(leaves[0], leaves[1]),
		types.Merge(leaves[2], leaves[3]),
		types.Merge(types.ZeroHash, types.ZeroHash),
		types.Merge(types.ZeroHash, types.ZeroHash),
	}
	level2 := []types.Hash32{
		types.Merge(level1[0], level1[1]),
		types.Merge(level1[2], level1[3]),
	}
	want := types.Merge(level2[0], level2[1])
	if got := acc.Root(); got != want {
		t.Errorf("four-leaf root mismatch: got %s, want %s", got, want)
	}
}

func TestAccumulatorOddCountIsDeterministicAndDiffersFromPrefix(t *testing.T) {
	leaves := []types.Hash32{types.HashBytes([]byte("a")), types.HashBytes([]byte("b")), types.HashBytes([]byte("c"))}

	acc := &Accumulator{}
	for _, l := range leaves {
		acc.Append(l)
	}
	rootThree := acc.Root()

	replay := &Accumulator{}
	for _, l := range leaves {
		replay.Append(l)
	}
	if got := replay.Root(); got != rootThree {
		t.Errorf("root over the same leaf sequence must be deterministic: got %s, want %s", got, rootThree)
	}

	prefix := &Accumulator{}
	for _, l := range leaves[:2] {
		prefix.Append(l)
	}
	if prefix.Root() == rootThree {
		t.Errorf("root after appending a third leaf must differ from the two-leaf prefix's root")
	}
}

func TestTreeAppendPersistsAndResumes(t *testing.T) {
	db := kvdb.Open(dbm.NewMemDB())
	store := NewStore(db)
	tree := NewTree(store, "transaction")

	batch, _ := db.NewWriteBatch()
	root1, count1, err := tree.Append(batch, 1, []types.Hash32{types.HashBytes([]byte("tx1"))})
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	if count1 != 1 {
		t.Fatalf("expected count 1, got %d", count1)
	}

	batch, _ = db.NewWriteBatch()
	root2, count2, err := tree.Append(batch, 1, []types.Hash32{types.HashBytes([]byte("tx2"))})
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit 2: %v", err)
	}
	if count2 != 2 {
		t.Fatalf("expected count 2, got %d", count2)
	}
	if root1 == root2 {
		t.Fatalf("root must change after a second append")
	}

	gotRoot1, err := tree.RootAtCount(1, count1)
	if err != nil {
		t.Fatalf("root at count 1: %v", err)
	}
	if gotRoot1 != root1 {
		t.Errorf("historical root mismatch: got %s, want %s", gotRoot1, root1)
	}

	current, currentCount, err := tree.CurrentRoot(1)
	if err != nil {
		t.Fatalf("current root: %v", err)
	}
	if current != root2 || currentCount != count2 {
		t.Errorf("current root/count mismatch: got (%s,%d), want (%s,%d)", current, currentCount, root2, count2)
	}
}

func TestTreeResetsAtNewEpoch(t *testing.T) {
	db := kvdb.Open(dbm.NewMemDB())
	store := NewStore(db)
	tree := NewTree(store, "receipt")

	batch, _ := db.NewWriteBatch()
	_, _, err := tree.Append(batch, 1, []types.Hash32{types.HashBytes([]byte("r1"))})
	if err != nil {
		t.Fatalf("append epoch 1: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	batch, _ = db.NewWriteBatch()
	_, count, err := tree.Append(batch, 2, []types.Hash32{types.HashBytes([]byte("r2"))})
	if err != nil {
		t.Fatalf("append epoch 2: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if count != 1 {
		t.Errorf("expected new epoch's forest to start from count 1, got %d", count)
	}
}
