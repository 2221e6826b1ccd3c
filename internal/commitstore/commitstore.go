// Package commitstore implements the commit store (spec.md §4.5,
// component C7): the single place that writes a commit bundle as one
// atomic multi-CF batch, and the reader paths layered over the same
// column families.
//
// Grounded on the teacher's pkg/ledger, whose LedgerStore likewise owns
// "append a block's worth of data across several CFs in one write" as a
// single method, and pkg/kvdb/adapter.go for the CF wrapping.
package commitstore

import (
	"encoding/binary"
	"fmt"

	"github.com/ledgerstate/statemanager/internal/accutree"
	"github.com/ledgerstate/statemanager/internal/codec"
	"github.com/ledgerstate/statemanager/internal/fatal"
	"github.com/ledgerstate/statemanager/internal/kvdb"
	"github.com/ledgerstate/statemanager/internal/shtree"
	"github.com/ledgerstate/statemanager/internal/types"
)

const (
	cfRawTransactions      = "raw_ledger_transactions"
	cfIdentifiers          = "committed_transaction_identifiers"
	cfReceipts             = "transaction_receipts"
	cfLocalExecutions      = "local_transaction_executions"
	cfProofs               = "ledger_proofs"
	cfEpochProofs          = "epoch_ledger_proofs"
	cfProtocolInitProofs   = "protocol_update_init_ledger_proofs"
	cfProtocolExecProofs   = "protocol_update_execution_ledger_proofs"
	cfIntentHashes         = "intent_hashes"
	cfNotarizedHashes      = "notarized_transaction_hashes"
	cfLedgerHashes         = "ledger_transaction_hashes"
	cfAncestry             = "substate_node_ancestry_records"
	cfVertexStore          = "vertex_store"
)

func beUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// CommittedTransaction is one transaction's worth of data to be written
// as part of a bundle.
type CommittedTransaction struct {
	Raw            types.RawLedgerTransaction
	Identifiers    types.CommittedTransactionIdentifiers
	Receipt        types.LedgerTransactionReceipt
	LocalExecution []byte // optional, gated by a config flag; nil to skip
}

// Bundle is the atomic unit the commit store writes, per spec.md §4.5.
type Bundle struct {
	Transactions       []CommittedTransaction
	Proof              types.LedgerProof
	SubstateUpserts    []types.SubstateUpsert
	SubstateDeletes    []types.SubstateDelete
	StateTreeWrites    []shtree.SubstateWrite
	VertexStore        []byte // nil to leave unchanged
	NewAncestryRecords []types.SubstateNodeAncestryRecord
}

// Store is the commit store: write side (Commit) plus the read
// accessors the HTTP/API layer and other components use.
type Store struct {
	db         *kvdb.DB
	stateTree  *shtree.StateTree
	txTree     *accutree.Tree
	receiptTree *accutree.Tree
	substates  *kvdb.CF
	lastVersion types.StateVersion
	haveLast    bool
}

// New opens the commit store's column families over db.
func New(db *kvdb.DB) *Store {
	accStore := accutree.NewStore(db)
	return &Store{
		db:          db,
		stateTree:   shtree.NewStateTree(db),
		txTree:      accutree.NewTree(accStore, "transaction"),
		receiptTree: accutree.NewTree(accStore, "receipt"),
		substates:   db.CF("substates"),
	}
}

// StateTree exposes the underlying state hash tree, e.g. for the series
// executor to compute a speculative state_tree_update before committing.
func (s *Store) StateTree() *shtree.StateTree { return s.stateTree }

// DB exposes the underlying column-family database directly, for the GC
// task (C11), which owns column families (the stale-node log, its own
// progress row) that this store does not.
func (s *Store) DB() *kvdb.DB { return s.db }

// TransactionTree and ReceiptTree expose the underlying accumulator
// trees, so the series executor can snapshot the same persisted
// frontiers it will later see replayed for real inside Commit.
func (s *Store) TransactionTree() *accutree.Tree { return s.txTree }
func (s *Store) ReceiptTree() *accutree.Tree     { return s.receiptTree }

// LastStateVersion returns the most recently committed state version, or
// types.PreGenesis if nothing has been committed yet.
func (s *Store) LastStateVersion() types.StateVersion {
	if !s.haveLast {
		return types.PreGenesis
	}
	return s.lastVersion
}

// Commit applies bundle as one indivisible write, per spec.md §4.5's
// numbered steps, and enforces the post-write invariants before
// returning. Any error aborts without having made the write durable,
// since the whole bundle rides on a single kvdb.WriteBatch.
func (s *Store) Commit(bundle Bundle) error {
	if len(bundle.Transactions) == 0 {
		return fmt.Errorf("commitstore: commit bundle carries no transactions")
	}

	batch, err := s.db.NewWriteBatch()
	if err != nil {
		return fmt.Errorf("commitstore: open batch: %w", err)
	}
	defer batch.Close()

	firstVersion := s.LastStateVersion()
	txLeaves := make([]types.Hash32, 0, len(bundle.Transactions))
	receiptLeaves := make([]types.Hash32, 0, len(bundle.Transactions))
	for i, tx := range bundle.Transactions {
		sv, err := stateVersionPlus(firstVersion, uint64(i)+1)
		if err != nil {
			return err
		}
		if err := s.writeTransaction(batch, sv, tx); err != nil {
			return err
		}
		txLeaves = append(txLeaves, tx.Identifiers.LedgerTransactionHash)
		receiptHash, err := tx.Receipt.Hash(codec.EncodeJSON)
		if err != nil {
			return fmt.Errorf("commitstore: hash receipt: %w", err)
		}
		receiptLeaves = append(receiptLeaves, receiptHash)
	}
	lastVersion, err := stateVersionPlus(firstVersion, uint64(len(bundle.Transactions)))
	if err != nil {
		return err
	}

	for _, up := range bundle.SubstateUpserts {
		if err := batch.Set("substates", up.Key.Encode(), up.Value); err != nil {
			return fmt.Errorf("commitstore: write substate: %w", err)
		}
	}
	for _, del := range bundle.SubstateDeletes {
		if err := batch.Delete("substates", del.Key.Encode()); err != nil {
			return fmt.Errorf("commitstore: delete substate: %w", err)
		}
	}

	stateRoot, err := s.stateTree.PutAtNextVersion(batch, lastVersion, bundle.StateTreeWrites)
	if err != nil {
		return fmt.Errorf("commitstore: apply state tree update: %w", err)
	}
	epoch := bundle.Proof.Header.Epoch
	txRoot, _, err := s.txTree.Append(batch, epoch, txLeaves)
	if err != nil {
		return fmt.Errorf("commitstore: append transaction accumulator: %w", err)
	}
	receiptRoot, _, err := s.receiptTree.Append(batch, epoch, receiptLeaves)
	if err != nil {
		return fmt.Errorf("commitstore: append receipt accumulator: %w", err)
	}
	ledgerHashes := types.LedgerHashes{StateRoot: stateRoot, TransactionRoot: txRoot, ReceiptRoot: receiptRoot}
	if ledgerHashes != bundle.Proof.Header.Hashes {
		fatal.Error("commit post-condition violated: recomputed ledger hashes %+v do not match proof header hashes %+v", ledgerHashes, bundle.Proof.Header.Hashes)
	}

	if err := s.writeProof(batch, lastVersion, bundle.Proof); err != nil {
		return err
	}

	if bundle.VertexStore != nil {
		if err := batch.Set(cfVertexStore, []byte{}, bundle.VertexStore); err != nil {
			return fmt.Errorf("commitstore: write vertex store: %w", err)
		}
	}

	for _, rec := range bundle.NewAncestryRecords {
		raw, err := codec.EncodeRLP(rec)
		if err != nil {
			return fmt.Errorf("commitstore: encode ancestry record: %w", err)
		}
		if err := batch.Set(cfAncestry, rec.Root.Bytes(), raw); err != nil {
			return fmt.Errorf("commitstore: write ancestry record: %w", err)
		}
	}

	lastIdentifiers := bundle.Transactions[len(bundle.Transactions)-1].Identifiers
	if err := checkPostConditions(firstVersion, lastVersion, bundle.Proof, lastIdentifiers); err != nil {
		return err
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commitstore: commit batch: %w", err)
	}

	s.lastVersion = lastVersion
	s.haveLast = true
	return nil
}

func stateVersionPlus(from types.StateVersion, n uint64) (types.StateVersion, error) {
	v := from
	for i := uint64(0); i < n; i++ {
		next, err := v.Next()
		if err != nil {
			return 0, err
		}
		v = next
	}
	return v, nil
}

func (s *Store) writeTransaction(batch *kvdb.WriteBatch, sv types.StateVersion, tx CommittedTransaction) error {
	rawBytes := tx.Raw.Encode()
	if err := batch.Set(cfRawTransactions, beUint64(uint64(sv)), rawBytes); err != nil {
		return fmt.Errorf("commitstore: write raw transaction: %w", err)
	}

	idRaw, err := codec.EncodeJSON(tx.Identifiers)
	if err != nil {
		return fmt.Errorf("commitstore: encode identifiers: %w", err)
	}
	if err := batch.Set(cfIdentifiers, beUint64(uint64(sv)), idRaw); err != nil {
		return fmt.Errorf("commitstore: write identifiers: %w", err)
	}

	receiptRaw, err := codec.EncodeJSON(tx.Receipt)
	if err != nil {
		return fmt.Errorf("commitstore: encode receipt: %w", err)
	}
	if err := batch.Set(cfReceipts, beUint64(uint64(sv)), receiptRaw); err != nil {
		return fmt.Errorf("commitstore: write receipt: %w", err)
	}

	if tx.LocalExecution != nil {
		if err := batch.Set(cfLocalExecutions, beUint64(uint64(sv)), tx.LocalExecution); err != nil {
			return fmt.Errorf("commitstore: write local execution: %w", err)
		}
	}

	if tx.Identifiers.UserIdentifiers != nil {
		ui := tx.Identifiers.UserIdentifiers
		if err := batch.Set(cfIntentHashes, ui.IntentHash[:], beUint64(uint64(sv))); err != nil {
			return fmt.Errorf("commitstore: write intent hash index: %w", err)
		}
		if err := batch.Set(cfNotarizedHashes, ui.NotarizedHash[:], beUint64(uint64(sv))); err != nil {
			return fmt.Errorf("commitstore: write notarized hash index: %w", err)
		}
	}
	if err := batch.Set(cfLedgerHashes, tx.Identifiers.LedgerTransactionHash[:], beUint64(uint64(sv))); err != nil {
		return fmt.Errorf("commitstore: write ledger hash index: %w", err)
	}
	return nil
}

func (s *Store) writeProof(batch *kvdb.WriteBatch, sv types.StateVersion, proof types.LedgerProof) error {
	if err := proof.Validate(); err != nil {
		return fmt.Errorf("commitstore: invalid proof: %w", err)
	}
	raw, err := codec.EncodeJSON(proof)
	if err != nil {
		return fmt.Errorf("commitstore: encode proof: %w", err)
	}
	if err := batch.Set(cfProofs, beUint64(uint64(sv)), raw); err != nil {
		return fmt.Errorf("commitstore: write proof: %w", err)
	}
	if proof.Header.NextEpoch != nil {
		if err := batch.Set(cfEpochProofs, beUint64(uint64(*proof.Header.NextEpoch)), raw); err != nil {
			return fmt.Errorf("commitstore: write epoch proof: %w", err)
		}
	}
	if proof.Header.NextProtocolVersion != nil {
		if err := batch.Set(cfProtocolInitProofs, beUint64(uint64(sv)), raw); err != nil {
			return fmt.Errorf("commitstore: write protocol update init proof: %w", err)
		}
	}
	if proof.Origin.Kind == types.OriginProtocolUpdate {
		if err := batch.Set(cfProtocolExecProofs, beUint64(uint64(sv)), raw); err != nil {
			return fmt.Errorf("commitstore: write protocol update execution proof: %w", err)
		}
	}
	return nil
}

// checkPostConditions enforces the remaining spec.md §4.5 post-write
// invariants not already checked against the recomputed ledger hashes.
// Violations are a fatal, halt-the-node condition: if these don't hold,
// the commit store and the rest of the network have already diverged.
func checkPostConditions(firstVersion, lastVersion types.StateVersion, proof types.LedgerProof, lastIdentifiers types.CommittedTransactionIdentifiers) error {
	if proof.Header.StateVersion != lastVersion {
		fatal.Error("commit post-condition violated: proof.header.state_version=%d last_state_version=%d", proof.Header.StateVersion, lastVersion)
	}
	if proof.Header.Hashes != lastIdentifiers.ResultantLedgerHashes {
		fatal.Error("commit post-condition violated: proof ledger hashes do not match last transaction's resultant ledger hashes")
	}
	return nil
}

// GetRawTransaction returns the raw bytes committed at sv.
func (s *Store) GetRawTransaction(sv types.StateVersion) (types.RawLedgerTransaction, bool, error) {
	raw, err := s.db.CF(cfRawTransactions).Get(beUint64(uint64(sv)))
	if err != nil {
		return types.RawLedgerTransaction{}, false, err
	}
	if raw == nil {
		return types.RawLedgerTransaction{}, false, nil
	}
	tx, err := types.DecodeRawLedgerTransaction(raw)
	if err != nil {
		return types.RawLedgerTransaction{}, false, err
	}
	return tx, true, nil
}

// GetProof returns the ledger proof committed at sv.
func (s *Store) GetProof(sv types.StateVersion) (types.LedgerProof, bool, error) {
	raw, err := s.db.CF(cfProofs).Get(beUint64(uint64(sv)))
	if err != nil {
		return types.LedgerProof{}, false, err
	}
	if raw == nil {
		return types.LedgerProof{}, false, nil
	}
	var proof types.LedgerProof
	if err := codec.DecodeJSON(raw, &proof); err != nil {
		return types.LedgerProof{}, false, err
	}
	return proof, true, nil
}

// GetStateVersionForIntentHash resolves an intent hash to the state
// version it committed at, if any.
func (s *Store) GetStateVersionForIntentHash(hash types.IntentHash) (types.StateVersion, bool, error) {
	return s.lookupStateVersion(cfIntentHashes, hash[:])
}

// GetStateVersionForNotarizedHash resolves a notarized transaction hash to
// the state version it committed at, if any.
func (s *Store) GetStateVersionForNotarizedHash(hash types.NotarizedTransactionHash) (types.StateVersion, bool, error) {
	return s.lookupStateVersion(cfNotarizedHashes, hash[:])
}

// GetStateVersionForLedgerTransactionHash resolves a ledger transaction
// hash to the state version it committed at, if any.
func (s *Store) GetStateVersionForLedgerTransactionHash(hash types.LedgerTransactionHash) (types.StateVersion, bool, error) {
	return s.lookupStateVersion(cfLedgerHashes, hash[:])
}

func (s *Store) lookupStateVersion(cfName string, key []byte) (types.StateVersion, bool, error) {
	raw, err := s.db.CF(cfName).Get(key)
	if err != nil {
		return 0, false, err
	}
	if raw == nil {
		return 0, false, nil
	}
	return types.StateVersion(binary.BigEndian.Uint64(raw)), true, nil
}

// GetIdentifiers returns the committed transaction identifiers recorded at sv.
func (s *Store) GetIdentifiers(sv types.StateVersion) (types.CommittedTransactionIdentifiers, bool, error) {
	raw, err := s.db.CF(cfIdentifiers).Get(beUint64(uint64(sv)))
	if err != nil {
		return types.CommittedTransactionIdentifiers{}, false, err
	}
	if raw == nil {
		return types.CommittedTransactionIdentifiers{}, false, nil
	}
	var out types.CommittedTransactionIdentifiers
	if err := codec.DecodeJSON(raw, &out); err != nil {
		return types.CommittedTransactionIdentifiers{}, false, err
	}
	return out, true, nil
}

// GetReceipt returns the receipt recorded for the transaction committed at sv.
func (s *Store) GetReceipt(sv types.StateVersion) (types.LedgerTransactionReceipt, bool, error) {
	raw, err := s.db.CF(cfReceipts).Get(beUint64(uint64(sv)))
	if err != nil {
		return types.LedgerTransactionReceipt{}, false, err
	}
	if raw == nil {
		return types.LedgerTransactionReceipt{}, false, nil
	}
	var out types.LedgerTransactionReceipt
	if err := codec.DecodeJSON(raw, &out); err != nil {
		return types.LedgerTransactionReceipt{}, false, err
	}
	return out, true, nil
}

// GetLocalExecution returns the optional locally-stored execution trace for
// the transaction committed at sv, if the commit bundle carried one.
func (s *Store) GetLocalExecution(sv types.StateVersion) ([]byte, bool, error) {
	raw, err := s.db.CF(cfLocalExecutions).Get(beUint64(uint64(sv)))
	if err != nil {
		return nil, false, err
	}
	return raw, raw != nil, nil
}

// GetSubstate returns the current raw value for key, via the same column
// family the commit store writes through.
func (s *Store) GetSubstate(key types.SubstateKey) (types.SubstateValue, bool, error) {
	raw, err := s.substates.Get(key.Encode())
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	return types.SubstateValue(raw), true, nil
}

// GetVertexStore returns the most recently persisted consensus vertex store
// blob, if any has been written yet.
func (s *Store) GetVertexStore() ([]byte, bool, error) {
	raw, err := s.db.CF(cfVertexStore).Get([]byte{})
	if err != nil {
		return nil, false, err
	}
	return raw, raw != nil, nil
}

// CurrentEpoch returns the epoch the last committed proof belongs to,
// accounting for an epoch-boundary proof's next_epoch already having
// taken effect.
func (s *Store) CurrentEpoch() (types.Epoch, bool, error) {
	sv := s.LastStateVersion()
	if sv.IsPreGenesis() {
		return 0, false, nil
	}
	proof, ok, err := s.GetProof(sv)
	if err != nil || !ok {
		return 0, false, err
	}
	if proof.Header.NextEpoch != nil {
		return *proof.Header.NextEpoch, true, nil
	}
	return proof.Header.Epoch, true, nil
}

// GetEpochBoundaryProof returns the proof that set next_epoch = epoch,
// i.e. the last proof committed in epoch-1. Used by the ledger-proof GC
// (C11) to find an epoch's upper state-version bound without having to
// scan forward one version at a time.
func (s *Store) GetEpochBoundaryProof(epoch types.Epoch) (types.LedgerProof, bool, error) {
	raw, err := s.db.CF(cfEpochProofs).Get(beUint64(uint64(epoch)))
	if err != nil {
		return types.LedgerProof{}, false, err
	}
	if raw == nil {
		return types.LedgerProof{}, false, nil
	}
	var proof types.LedgerProof
	if err := codec.DecodeJSON(raw, &proof); err != nil {
		return types.LedgerProof{}, false, err
	}
	return proof, true, nil
}

// DeleteProof removes the ledger proof committed at sv. Used only by the
// ledger-proof GC (C11): callers must never delete an epoch-boundary or
// protocol-update-tagged proof (spec.md §4.9).
func (s *Store) DeleteProof(sv types.StateVersion) error {
	return s.db.CF(cfProofs).Delete(beUint64(uint64(sv)))
}

// GetAncestryRecord returns the ancestry record for node, if one has been
// written.
func (s *Store) GetAncestryRecord(node types.NodeId) (types.SubstateNodeAncestryRecord, bool, error) {
	raw, err := s.db.CF(cfAncestry).Get(node.Bytes())
	if err != nil {
		return types.SubstateNodeAncestryRecord{}, false, err
	}
	if raw == nil {
		return types.SubstateNodeAncestryRecord{}, false, nil
	}
	var out types.SubstateNodeAncestryRecord
	if err := codec.DecodeRLP(raw, &out); err != nil {
		return types.SubstateNodeAncestryRecord{}, false, err
	}
	return out, true, nil
}
