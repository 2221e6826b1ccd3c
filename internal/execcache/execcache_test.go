package execcache

import (
	"testing"

	"github.com/ledgerstate/statemanager/internal/types"
)

type fakeBase struct {
	values map[string]types.SubstateValue
}

func (f fakeBase) GetSubstate(key types.SubstateKey) (types.SubstateValue, bool, error) {
	v, ok := f.values[string(key.Encode())]
	return v, ok, nil
}

func testKey(sort string) types.SubstateKey {
	var node types.NodeId
	node[0] = byte(types.EntityTypeGlobalAccount)
	return types.SubstateKey{Partition: types.PartitionKey{Node: node, Partition: 0}, Sort: types.SortKey(sort)}
}

func TestExecuteTransactionCachesByChildRoot(t *testing.T) {
	base := fakeBase{values: map[string]types.SubstateValue{}}
	cache := New(base, types.Hash32{})

	calls := 0
	exec := func(view ReadableSubstateStore) (types.LedgerTransactionReceipt, error) {
		calls++
		return types.LedgerTransactionReceipt{
			Outcome: types.OutcomeSuccess,
			StateChanges: types.DatabaseUpdates{
				Upserts: []types.SubstateUpsert{{Key: testKey("a"), Value: types.SubstateValue("v1")}},
			},
		}, nil
	}

	childRoot := types.HashBytes([]byte("tx1"))
	r1, err := cache.ExecuteTransaction(types.Hash32{}, childRoot, exec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}

	r2, err := cache.ExecuteTransaction(types.Hash32{}, childRoot, exec)
	if err != nil {
		t.Fatalf("execute (cached): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the second call to reuse the cached node, got %d total executions", calls)
	}
	if r1.Outcome != r2.Outcome {
		t.Errorf("cached receipt mismatch")
	}
}

func TestExecuteTransactionOverlaysParentWrites(t *testing.T) {
	base := fakeBase{values: map[string]types.SubstateValue{}}
	cache := New(base, types.Hash32{})

	parentRoot := types.HashBytes([]byte("tx1"))
	_, err := cache.ExecuteTransaction(types.Hash32{}, parentRoot, func(view ReadableSubstateStore) (types.LedgerTransactionReceipt, error) {
		return types.LedgerTransactionReceipt{
			StateChanges: types.DatabaseUpdates{
				Upserts: []types.SubstateUpsert{{Key: testKey("a"), Value: types.SubstateValue("from-tx1")}},
			},
		}, nil
	})
	if err != nil {
		t.Fatalf("execute tx1: %v", err)
	}

	childRoot := types.HashBytes([]byte("tx2"))
	var seenDuringTx2 types.SubstateValue
	_, err = cache.ExecuteTransaction(parentRoot, childRoot, func(view ReadableSubstateStore) (types.LedgerTransactionReceipt, error) {
		v, found, err := view.GetSubstate(testKey("a"))
		if err != nil {
			return types.LedgerTransactionReceipt{}, err
		}
		if found {
			seenDuringTx2 = v
		}
		return types.LedgerTransactionReceipt{}, nil
	})
	if err != nil {
		t.Fatalf("execute tx2: %v", err)
	}
	if string(seenDuringTx2) != "from-tx1" {
		t.Errorf("tx2 should see tx1's staged write, got %q", seenDuringTx2)
	}
}

func TestProgressRootDropsOrphansAndTracksDeadWeight(t *testing.T) {
	base := fakeBase{values: map[string]types.SubstateValue{}}
	cache := New(base, types.Hash32{})

	noop := func(view ReadableSubstateStore) (types.LedgerTransactionReceipt, error) {
		return types.LedgerTransactionReceipt{}, nil
	}

	a := types.HashBytes([]byte("a"))
	b := types.HashBytes([]byte("b")) // sibling branch off the root, orphaned once we progress to a
	aa := types.HashBytes([]byte("aa"))

	if _, err := cache.ExecuteTransaction(types.Hash32{}, a, noop); err != nil {
		t.Fatalf("execute a: %v", err)
	}
	if _, err := cache.ExecuteTransaction(types.Hash32{}, b, noop); err != nil {
		t.Fatalf("execute b: %v", err)
	}
	if _, err := cache.ExecuteTransaction(a, aa, noop); err != nil {
		t.Fatalf("execute aa: %v", err)
	}

	if err := cache.ProgressRoot(a); err != nil {
		t.Fatalf("progress root: %v", err)
	}

	if cache.RootTxRoot() != a {
		t.Fatalf("expected root %s, got %s", a, cache.RootTxRoot())
	}
	if _, ok := cache.nodes[b]; ok {
		t.Errorf("sibling branch b should have been dropped as an orphan")
	}
	if _, ok := cache.nodes[aa]; !ok {
		t.Errorf("descendant aa should survive progress_root")
	}
	if dead, total := cache.Weights(); dead != 0 || total != 3 {
		t.Errorf("expected dead=0 total=3 after progressing to a direct child of the root, got dead=%d total=%d", dead, total)
	}
}

func TestProgressRootRejectsUnknownRoot(t *testing.T) {
	base := fakeBase{values: map[string]types.SubstateValue{}}
	cache := New(base, types.Hash32{})
	if err := cache.ProgressRoot(types.HashBytes([]byte("nowhere"))); err == nil {
		t.Fatal("expected an error progressing to an unknown transaction root")
	}
}
