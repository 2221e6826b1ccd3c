package executor

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/ledgerstate/statemanager/internal/commitstore"
	"github.com/ledgerstate/statemanager/internal/execcache"
	"github.com/ledgerstate/statemanager/internal/kvdb"
	"github.com/ledgerstate/statemanager/internal/types"
)

// fakeEngine writes one substate per transaction, keyed by the
// transaction's own payload, and signals an epoch change whenever the
// payload is "end-epoch".
type fakeEngine struct{}

func testKey(sort string) types.SubstateKey {
	var node types.NodeId
	node[0] = byte(types.EntityTypeGlobalAccount)
	return types.SubstateKey{Partition: types.PartitionKey{Node: node, Partition: 0}, Sort: types.SortKey(sort)}
}

func (fakeEngine) Execute(tx types.RawLedgerTransaction, view execcache.ReadableSubstateStore) (types.LedgerTransactionReceipt, error) {
	receipt := types.LedgerTransactionReceipt{
		Outcome: types.OutcomeSuccess,
		StateChanges: types.DatabaseUpdates{
			Upserts: []types.SubstateUpsert{{Key: testKey(string(tx.Payload)), Value: types.SubstateValue(tx.Payload)}},
		},
	}
	if string(tx.Payload) == "end-epoch" {
		receipt.NextEpoch = &types.EpochChangeEvent{NextEpoch: 2}
	}
	return receipt, nil
}

func TestSeriesExecutorProducesCommittableBundle(t *testing.T) {
	db := kvdb.Open(dbm.NewMemDB())
	store := commitstore.New(db)
	cache := execcache.New(store, types.Hash32{})

	exec, err := New(fakeEngine{}, cache, store.StateTree(), store.TransactionTree(), store.ReceiptTree(), 1, store.LastStateVersion(), types.Hash32{})
	if err != nil {
		t.Fatalf("new series executor: %v", err)
	}

	c1, err := exec.ExecuteAndUpdateState(types.RawLedgerTransaction{Kind: types.KindRoundUpdateV1, Payload: []byte("tx1")}, nil, 100)
	if err != nil {
		t.Fatalf("execute tx1: %v", err)
	}
	if c1.StateVersion != 1 {
		t.Fatalf("expected state version 1, got %d", c1.StateVersion)
	}

	c2, err := exec.ExecuteAndUpdateState(types.RawLedgerTransaction{Kind: types.KindRoundUpdateV1, Payload: []byte("tx2")}, nil, 101)
	if err != nil {
		t.Fatalf("execute tx2: %v", err)
	}
	if c2.StateVersion != 2 {
		t.Fatalf("expected state version 2, got %d", c2.StateVersion)
	}
	if c1.LedgerHashes == c2.LedgerHashes {
		t.Errorf("ledger hashes must change between transactions")
	}

	proof := types.LedgerProof{
		Header: types.LedgerHeader{
			Epoch:        1,
			Round:        1,
			StateVersion: 2,
			Hashes:       c2.LedgerHashes,
		},
		Origin: types.LedgerProofOrigin{Kind: types.OriginConsensus},
	}

	bundle := exec.Bundle(proof, nil, nil)
	if len(bundle.Transactions) != 2 {
		t.Fatalf("expected 2 transactions in bundle, got %d", len(bundle.Transactions))
	}

	if err := store.Commit(bundle); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if store.LastStateVersion() != 2 {
		t.Fatalf("expected committed state version 2, got %d", store.LastStateVersion())
	}

	if err := exec.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if exec.TransactionCount() != 2 {
		t.Fatalf("expected 2 executed transactions, got %d", exec.TransactionCount())
	}
	if cache.RootTxRoot() != c2.LedgerHashes.TransactionRoot {
		t.Fatalf("cache root should have progressed to the batch's final transaction root")
	}
}

func TestSeriesExecutorStopsAfterEpochChange(t *testing.T) {
	db := kvdb.Open(dbm.NewMemDB())
	store := commitstore.New(db)
	cache := execcache.New(store, types.Hash32{})

	exec, err := New(fakeEngine{}, cache, store.StateTree(), store.TransactionTree(), store.ReceiptTree(), 1, store.LastStateVersion(), types.Hash32{})
	if err != nil {
		t.Fatalf("new series executor: %v", err)
	}

	c1, err := exec.ExecuteAndUpdateState(types.RawLedgerTransaction{Kind: types.KindRoundUpdateV1, Payload: []byte("end-epoch")}, nil, 100)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if c1.EpochChange == nil {
		t.Fatalf("expected an epoch change to be recorded")
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected executing after an epoch_change to panic (fatal post-condition)")
		}
	}()
	_, _ = exec.ExecuteAndUpdateState(types.RawLedgerTransaction{Kind: types.KindRoundUpdateV1, Payload: []byte("tx2")}, nil, 101)
}
