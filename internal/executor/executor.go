// Package executor implements the series executor (spec.md §4.4,
// component C6): drives one batch of transactions through the Engine via
// the execution cache, deriving per-transaction ledger_hashes and
// detecting epoch changes / protocol update enactment, then hands the
// accumulated effects to the commit store as one bundle.
//
// Grounded on the teacher's pkg/ledger, which likewise owns a
// "build up a block's effects, then commit atomically" sequencing, and
// on internal/fatal for the post-condition enforcement spec.md §4.4
// calls out as a programming-error class.
package executor

import (
	"fmt"

	"github.com/ledgerstate/statemanager/internal/accutree"
	"github.com/ledgerstate/statemanager/internal/codec"
	"github.com/ledgerstate/statemanager/internal/commitstore"
	"github.com/ledgerstate/statemanager/internal/execcache"
	"github.com/ledgerstate/statemanager/internal/fatal"
	"github.com/ledgerstate/statemanager/internal/shtree"
	"github.com/ledgerstate/statemanager/internal/types"
)

// Engine is the transaction execution backend. It is handed a staged
// substate read view and returns the transaction's receipt; the state
// manager treats its internals as opaque, per spec.md §1.
type Engine interface {
	Execute(tx types.RawLedgerTransaction, view execcache.ReadableSubstateStore) (types.LedgerTransactionReceipt, error)
}

// Commit is the per-transaction result of ExecuteAndUpdateState.
type Commit struct {
	StateVersion        types.StateVersion
	Identifiers         types.CommittedTransactionIdentifiers
	Receipt             types.LedgerTransactionReceipt
	LedgerHashes        types.LedgerHashes
	EpochChange         *types.EpochChangeEvent
	NextProtocolVersion *string
}

// SeriesExecutor owns the running state of a single batch (vertex
// proposal or committed round): state_version, ledger_hashes,
// epoch_change and next_protocol_version (spec.md §4.4). It keeps no
// separate protocol_state.
type SeriesExecutor struct {
	engine Engine
	cache  *execcache.Cache

	stateTree   *shtree.StateTree
	txTree      *accutree.Tree
	receiptTree *accutree.Tree

	epoch        types.Epoch
	stateVersion types.StateVersion
	parentTxRoot types.Hash32

	txAcc      *accutree.Accumulator
	receiptAcc *accutree.Accumulator

	writes   []shtree.SubstateWrite
	upserts  []types.SubstateUpsert
	deletes  []types.SubstateDelete
	txns     []commitstore.CommittedTransaction

	epochChange         *types.EpochChangeEvent
	nextProtocolVersion *string
	closed              bool
}

// New starts a series executor for one batch: epoch is the epoch this
// batch's transactions execute in, lastCommittedVersion and
// persistedTxRoot identify the state the batch is built on top of.
func New(
	engine Engine,
	cache *execcache.Cache,
	stateTree *shtree.StateTree,
	txTree *accutree.Tree,
	receiptTree *accutree.Tree,
	epoch types.Epoch,
	lastCommittedVersion types.StateVersion,
	persistedTxRoot types.Hash32,
) (*SeriesExecutor, error) {
	txAcc, err := txTree.Snapshot(epoch)
	if err != nil {
		return nil, fmt.Errorf("executor: snapshot transaction accumulator: %w", err)
	}
	receiptAcc, err := receiptTree.Snapshot(epoch)
	if err != nil {
		return nil, fmt.Errorf("executor: snapshot receipt accumulator: %w", err)
	}
	return &SeriesExecutor{
		engine:       engine,
		cache:        cache,
		stateTree:    stateTree,
		txTree:       txTree,
		receiptTree:  receiptTree,
		epoch:        epoch,
		stateVersion: lastCommittedVersion,
		parentTxRoot: persistedTxRoot,
		txAcc:        txAcc,
		receiptAcc:   receiptAcc,
	}, nil
}

// ExecuteAndUpdateState executes one pre-validated transaction and
// advances the batch's tracked state. Calling this after the batch has
// already recorded an epoch_change or next_protocol_version is a fatal
// programming error: no further transaction may execute in the same
// series, per spec.md §4.4's post-condition.
func (e *SeriesExecutor) ExecuteAndUpdateState(
	raw types.RawLedgerTransaction,
	userIdentifiers *types.UserTransactionIdentifiers,
	proposerTimestampMs int64,
) (Commit, error) {
	if e.closed {
		fatal.Error("series executor: execute_and_update_state called after the batch already recorded an epoch_change or next_protocol_version")
	}

	ledgerTxHash := raw.Hash()

	candidateAcc := e.txAcc.Clone()
	candidateAcc.Append(ledgerTxHash)
	childTxRoot := candidateAcc.Root()

	receipt, err := e.cache.ExecuteTransaction(e.parentTxRoot, childTxRoot, func(view execcache.ReadableSubstateStore) (types.LedgerTransactionReceipt, error) {
		return e.engine.Execute(raw, view)
	})
	if err != nil {
		return Commit{}, fmt.Errorf("executor: execute transaction: %w", err)
	}

	e.txAcc.Append(ledgerTxHash)
	receiptHash, err := receipt.Hash(codec.EncodeJSON)
	if err != nil {
		return Commit{}, fmt.Errorf("executor: hash receipt: %w", err)
	}
	e.receiptAcc.Append(receiptHash)

	e.upserts = append(e.upserts, receipt.StateChanges.Upserts...)
	e.deletes = append(e.deletes, receipt.StateChanges.Deletes...)
	for _, u := range receipt.StateChanges.Upserts {
		e.writes = append(e.writes, shtree.SubstateWrite{Key: u.Key, ValueHash: types.HashBytes(u.Value), Associated: u.Value})
	}
	for _, d := range receipt.StateChanges.Deletes {
		e.writes = append(e.writes, shtree.SubstateWrite{Key: d.Key, ValueHash: types.TombstoneValueHash})
	}

	nextVersion, err := e.stateVersion.Next()
	if err != nil {
		fatal.Error("series executor: state version overflow")
	}
	e.stateVersion = nextVersion

	stateRoot, err := e.stateTree.PreviewRoot(e.stateVersion, e.writes)
	if err != nil {
		return Commit{}, fmt.Errorf("executor: preview state root: %w", err)
	}

	ledgerHashes := types.LedgerHashes{
		StateRoot:       stateRoot,
		TransactionRoot: e.txAcc.Root(),
		ReceiptRoot:     e.receiptAcc.Root(),
	}

	identifiers := types.CommittedTransactionIdentifiers{
		StateVersion:          e.stateVersion,
		LedgerTransactionHash: ledgerTxHash,
		UserIdentifiers:       userIdentifiers,
		ResultantLedgerHashes: ledgerHashes,
		ProposerTimestampMs:   proposerTimestampMs,
	}

	if receipt.NextEpoch != nil {
		e.epochChange = receipt.NextEpoch
		e.closed = true
	}
	if receipt.NextProtocolVersion != nil {
		v := receipt.NextProtocolVersion.NextProtocolVersion
		e.nextProtocolVersion = &v
		e.closed = true
	}

	e.parentTxRoot = childTxRoot
	e.txns = append(e.txns, commitstore.CommittedTransaction{Raw: raw, Identifiers: identifiers, Receipt: receipt})

	return Commit{
		StateVersion:        e.stateVersion,
		Identifiers:         identifiers,
		Receipt:             receipt,
		LedgerHashes:        ledgerHashes,
		EpochChange:         e.epochChange,
		NextProtocolVersion: e.nextProtocolVersion,
	}, nil
}

// Bundle assembles everything executed so far into a commit bundle ready
// for commitstore.Store.Commit, pairing it with the caller-supplied proof
// and any vertex-store/ancestry data.
func (e *SeriesExecutor) Bundle(proof types.LedgerProof, vertexStore []byte, ancestryRecords []types.SubstateNodeAncestryRecord) commitstore.Bundle {
	return commitstore.Bundle{
		Transactions:       e.txns,
		Proof:              proof,
		SubstateUpserts:    e.upserts,
		SubstateDeletes:    e.deletes,
		StateTreeWrites:    e.writes,
		VertexStore:        vertexStore,
		NewAncestryRecords: ancestryRecords,
	}
}

// Finalize reparents the execution cache to this batch's final
// transaction-root, to be called once commitstore.Store.Commit has
// durably applied the bundle this executor produced.
func (e *SeriesExecutor) Finalize() error {
	return e.cache.ProgressRoot(e.parentTxRoot)
}

// TransactionCount reports how many transactions this executor has run.
func (e *SeriesExecutor) TransactionCount() int { return len(e.txns) }
