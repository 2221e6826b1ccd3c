// Package protocolupdate implements the protocol update executor
// (spec.md §4.8, component C10): resumes a protocol update's remaining
// batches at boot or whenever a committed proof carries
// next_protocol_version, driving each batch through a dedicated series
// executor and committing it under a ProtocolUpdate-origin proof.
//
// Grounded on original_source's
// core-rust/state-manager/src/protocol/protocol_update_executor.rs (the
// resume/loop-over-batch-groups structure, including its "we loop because
// we might need to run back-to-back protocol updates" rationale) and
// protocol_updates/protocol_update_committer.rs (one series executor per
// batch, seeded from the latest proof's transaction_root, proof epoch/round
// derived from next_epoch-or-carried-over). The flat per-generator batch
// index (rather than a (batch_group, batch) pair) follows this module's
// existing resolution of spec.md §9's LedgerProofOrigin Open Question: see
// internal/types/proof.go and DESIGN.md.
package protocolupdate

import (
	"fmt"

	"github.com/ledgerstate/statemanager/internal/codec"
	"github.com/ledgerstate/statemanager/internal/commitstore"
	"github.com/ledgerstate/statemanager/internal/execcache"
	"github.com/ledgerstate/statemanager/internal/executor"
	"github.com/ledgerstate/statemanager/internal/types"
)

// Batch is one unit of protocol-update work: either a flash batch (applied
// as a single synthesized ProtocolUpdateFlash transaction, even when its
// substate list is empty — this is how a generator's trailing
// "record-completion" batch gets committed at all) or an arbitrary list of
// pre-built ledger transactions.
type Batch struct {
	Name               string
	FlashSubstates     []types.FlashSubstateWrite
	LedgerTransactions []types.RawLedgerTransaction
}

// rawTransactions expands a batch to the RawLedgerTransaction(s) the
// series executor actually runs.
func (b Batch) rawTransactions(version string, batchIdx int) ([]types.RawLedgerTransaction, error) {
	if b.LedgerTransactions != nil {
		if len(b.LedgerTransactions) == 0 {
			return nil, fmt.Errorf("protocolupdate: batch %q declares ledger transactions but supplies none", b.Name)
		}
		return b.LedgerTransactions, nil
	}
	payload := types.ProtocolUpdateBatchPayload{
		ProtocolVersion: version,
		BatchIndex:      uint32(batchIdx),
		FlashSubstates:  b.FlashSubstates,
	}
	tx := types.LedgerTransaction{Kind: types.KindProtocolUpdateFlash, ProtocolUpdateBatch: &payload}
	raw, err := tx.ToRaw(codec.EncodeJSON)
	if err != nil {
		return nil, fmt.Errorf("protocolupdate: encode flash batch %q: %w", b.Name, err)
	}
	return []types.RawLedgerTransaction{raw}, nil
}

// BatchGroup is a named sequence of batches, mirroring the generator's
// batch_groups()/generate_batches() split.
type BatchGroup struct {
	Name    string
	Batches []Batch
}

// Generator produces every batch a given protocol version must commit.
// Batches are precomputed (rather than lazily generated as in the Rust
// original) since this reimplementation has no analogue of its database-
// dependent lazy batch construction; a Generator is expected to compute
// its batches once, up front, from whatever inputs the protocol version
// needs.
type Generator interface {
	ProtocolVersion() string
	BatchGroups() []BatchGroup
}

// Flatten concatenates every batch across every group into the single
// linear sequence this module indexes by flat batch index.
func Flatten(groups []BatchGroup) []Batch {
	var out []Batch
	for _, g := range groups {
		out = append(out, g.Batches...)
	}
	return out
}

// ResolveProgress reads the last committed proof to decide whether a
// protocol update is in flight and, if so, which batch to resume from,
// per spec.md §4.8's three cases.
func ResolveProgress(store *commitstore.Store) (version string, nextBatchIdx int, updating bool) {
	lastVersion := store.LastStateVersion()
	if lastVersion.IsPreGenesis() {
		return "", 0, false
	}
	proof, ok, err := store.GetProof(lastVersion)
	if err != nil || !ok {
		return "", 0, false
	}
	switch proof.Origin.Kind {
	case types.OriginConsensus:
		if proof.Header.NextProtocolVersion != nil {
			return *proof.Header.NextProtocolVersion, 0, true
		}
		return "", 0, false
	case types.OriginProtocolUpdate:
		return proof.Origin.ProtocolVersion, int(proof.Origin.BatchIndex) + 1, true
	default: // OriginGenesis
		return "", 0, false
	}
}

// Runner drives protocol-update batches against a commit store, using a
// caller-supplied Engine to interpret both ProtocolUpdateFlash payloads
// and any arbitrary ledger transactions a generator emits.
type Runner struct {
	store  *commitstore.Store
	engine executor.Engine
}

func New(store *commitstore.Store, engine executor.Engine) *Runner {
	return &Runner{store: store, engine: engine}
}

// ResumeProtocolUpdate implements spec.md §4.8 end to end: resolves
// progress, runs every remaining batch of the in-flight version (looping,
// since completing one update's final batch can itself reveal that a
// further update is already queued), and returns the name of the last
// protocol version it enacted any batch of, or nil if nothing was in
// flight.
func (r *Runner) ResumeProtocolUpdate(generators map[string]Generator, proposerTimestampMs int64) (*string, error) {
	var lastEnacted *string
	for {
		version, startIdx, updating := ResolveProgress(r.store)
		if !updating {
			return lastEnacted, nil
		}
		gen, ok := generators[version]
		if !ok {
			return lastEnacted, fmt.Errorf("protocolupdate: no generator registered for protocol version %q", version)
		}
		ran, err := r.runFrom(gen, startIdx, proposerTimestampMs)
		if err != nil {
			return lastEnacted, err
		}
		if !ran {
			return lastEnacted, nil
		}
		v := version
		lastEnacted = &v
	}
}

// runFrom commits every batch of gen from startIdx to the end. It reports
// ran=false without error when startIdx is already past the generator's
// last batch, which is how the caller learns the in-flight update has
// nothing left to do this call.
func (r *Runner) runFrom(gen Generator, startIdx int, proposerTimestampMs int64) (ran bool, err error) {
	batches := Flatten(gen.BatchGroups())
	if startIdx >= len(batches) {
		return false, nil
	}
	for idx := startIdx; idx < len(batches); idx++ {
		if err := r.commitBatch(gen.ProtocolVersion(), idx, batches[idx], proposerTimestampMs); err != nil {
			return true, fmt.Errorf("protocolupdate: commit batch %d (%q) of %q: %w", idx, batches[idx].Name, gen.ProtocolVersion(), err)
		}
	}
	return true, nil
}

// commitBatch drives one batch through a dedicated series executor
// (skipping the mempool's validator/fee-loan semantics entirely — these
// transactions never pass through internal/validator) and commits it
// atomically under a ProtocolUpdate-origin proof, per spec.md §4.8 steps
// 1-4.
func (r *Runner) commitBatch(version string, batchIdx int, batch Batch, proposerTimestampMs int64) error {
	lastVersion := r.store.LastStateVersion()
	latestProof, ok, err := r.store.GetProof(lastVersion)
	if err != nil {
		return fmt.Errorf("read latest proof: %w", err)
	}
	if !ok {
		return fmt.Errorf("no existing proof to build a protocol-update proof from (pre-genesis protocol updates are not supported)")
	}
	latestHeader := latestProof.Header

	epoch := latestHeader.Epoch
	round := latestHeader.Round
	if latestHeader.NextEpoch != nil {
		epoch = *latestHeader.NextEpoch
		round = 0
	}

	txTree := r.store.TransactionTree()
	rootHash, _, err := txTree.CurrentRoot(epoch)
	if err != nil {
		return fmt.Errorf("read current transaction root: %w", err)
	}

	cache := execcache.New(r.store, rootHash)
	se, err := executor.New(r.engine, cache, r.store.StateTree(), txTree, r.store.ReceiptTree(), epoch, lastVersion, rootHash)
	if err != nil {
		return fmt.Errorf("start series executor: %w", err)
	}

	rawTxs, err := batch.rawTransactions(version, batchIdx)
	if err != nil {
		return err
	}
	if len(rawTxs) == 0 {
		return fmt.Errorf("batch %q yielded no transactions", batch.Name)
	}

	var last executor.Commit
	for _, raw := range rawTxs {
		last, err = se.ExecuteAndUpdateState(raw, nil, proposerTimestampMs)
		if err != nil {
			return fmt.Errorf("execute transaction: %w", err)
		}
	}

	proof := types.LedgerProof{
		Header: types.LedgerHeader{
			Epoch:                           epoch,
			Round:                           round,
			StateVersion:                    last.StateVersion,
			Hashes:                          last.LedgerHashes,
			ConsensusParentRoundTimestampMs: latestHeader.ConsensusParentRoundTimestampMs,
			ProposerTimestampMs:             proposerTimestampMs,
			NextEpoch:                       nil,
			NextProtocolVersion:             nil,
		},
		Origin: types.LedgerProofOrigin{
			Kind:            types.OriginProtocolUpdate,
			ProtocolVersion: version,
			BatchIndex:      uint32(batchIdx),
		},
	}

	bundle := se.Bundle(proof, nil, nil)
	if err := r.store.Commit(bundle); err != nil {
		return fmt.Errorf("commit bundle: %w", err)
	}
	return se.Finalize()
}
