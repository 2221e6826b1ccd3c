// Package txbuilder ports the narrow, test-harness-facing slice of the
// Java/JNI bridge that has a pure Go-reachable equivalent: constructing a
// LedgerTransaction from a decoded user payload (and unwrapping it back),
// and reading committed state back out by state version.
//
// Grounded on original_source/core-rust/state-manager/src/jni/
// transaction_builder.rs (do_user_transaction_to_ledger wraps a decoded
// notarized transaction as LedgerTransaction::User; do_transaction_bytes_to_notarized_transaction_bytes
// is its inverse, returning none for non-user variants) and
// test_state_reader.rs's getTransactionAtStateVersion /
// getTransactionDetailsAtStateVersion (both exact, already-committed
// state-version lookups) and componentXrdAmount / validatorInfo / epoch
// (all read_current(), never an arbitrary historical version). The
// manifest-compilation and notarization helpers in transaction_builder.rs
// operate on the Scrypto/Engine transaction model, which this state
// manager treats as opaque bytes (spec.md §1 Non-goals), so only the
// wrap/unwrap and the read paths are ported.
package txbuilder

import (
	"fmt"

	"github.com/ledgerstate/statemanager/internal/commitstore"
	"github.com/ledgerstate/statemanager/internal/types"
)

// BuildUserLedgerTransaction wraps a notarized user transaction's already
//-validated identifiers and executable payload as a LedgerTransaction,
// mirroring do_user_transaction_to_ledger's LedgerTransaction::User(...)
// wrap. v2 selects KindUserV2 over KindUserV1.
func BuildUserLedgerTransaction(ids types.UserTransactionIdentifiers, executablePayload []byte, v2 bool) types.LedgerTransaction {
	kind := types.KindUserV1
	if v2 {
		kind = types.KindUserV2
	}
	idsCopy := ids
	return types.LedgerTransaction{
		Kind:              kind,
		UserIdentifiers:   &idsCopy,
		ExecutablePayload: executablePayload,
	}
}

// EncodeUserLedgerTransaction is BuildUserLedgerTransaction followed by
// ToRaw, for callers that just want the wire bytes.
func EncodeUserLedgerTransaction(ids types.UserTransactionIdentifiers, executablePayload []byte, v2 bool, codecEncode func(any) ([]byte, error)) (types.RawLedgerTransaction, error) {
	tx := BuildUserLedgerTransaction(ids, executablePayload, v2)
	return tx.ToRaw(codecEncode)
}

// DecodeLedgerTransaction parses a RawLedgerTransaction's payload back
// into the structured LedgerTransaction it was built from.
func DecodeLedgerTransaction(raw types.RawLedgerTransaction, codecDecode func([]byte, any) error) (types.LedgerTransaction, error) {
	var tx types.LedgerTransaction
	if err := codecDecode(raw.Payload, &tx); err != nil {
		return types.LedgerTransaction{}, fmt.Errorf("txbuilder: decode ledger transaction: %w", err)
	}
	return tx, nil
}

// ExtractNotarizedPayload unwraps a committed LedgerTransaction back to
// the raw executable payload a user originally submitted, mirroring
// do_transaction_bytes_to_notarized_transaction_bytes. ok is false for
// RoundUpdateV1/GenesisFlash/GenesisTransaction/ProtocolUpdateFlash,
// which carry no notarized user payload — the original returns None for
// exactly these variants rather than erroring.
func ExtractNotarizedPayload(tx types.LedgerTransaction) (payload []byte, ok bool) {
	if !tx.Kind.IsUser() {
		return nil, false
	}
	return tx.ExecutablePayload, true
}

// ExecutedTransaction is everything
// getTransactionAtStateVersion/getTransactionDetailsAtStateVersion expose
// about one already-committed transaction, gathered from the commit
// store's several per-state-version column families.
type ExecutedTransaction struct {
	StateVersion          types.StateVersion
	LedgerTransactionHash types.LedgerTransactionHash
	Outcome               types.Outcome
	FailureReason         string
	RawPayload            []byte
	StateChanges          types.DatabaseUpdates
}

// GetExecutedTransactionAtVersion reads back a committed transaction's
// identifiers, receipt, and raw bytes at an exact, already-committed
// state version — the one historical read the original JNI layer
// actually performs (every field here is stored keyed by its own state
// version forever, so no tier-liveness question arises the way it would
// for an arbitrary substate read). ok is false if sv was never
// committed.
func GetExecutedTransactionAtVersion(store *commitstore.Store, sv types.StateVersion) (ExecutedTransaction, bool, error) {
	ids, ok, err := store.GetIdentifiers(sv)
	if err != nil {
		return ExecutedTransaction{}, false, fmt.Errorf("txbuilder: get identifiers: %w", err)
	}
	if !ok {
		return ExecutedTransaction{}, false, nil
	}
	receipt, ok, err := store.GetReceipt(sv)
	if err != nil {
		return ExecutedTransaction{}, false, fmt.Errorf("txbuilder: get receipt: %w", err)
	}
	if !ok {
		return ExecutedTransaction{}, false, nil
	}
	raw, ok, err := store.GetRawTransaction(sv)
	if err != nil {
		return ExecutedTransaction{}, false, fmt.Errorf("txbuilder: get raw transaction: %w", err)
	}
	if !ok {
		return ExecutedTransaction{}, false, nil
	}
	return ExecutedTransaction{
		StateVersion:          sv,
		LedgerTransactionHash: ids.LedgerTransactionHash,
		Outcome:               receipt.Outcome,
		FailureReason:         receipt.FailureReason,
		RawPayload:            raw.Payload,
		StateChanges:          receipt.StateChanges,
	}, true, nil
}

// ErrHistoricalStateUnavailable is returned by GetSubstateAtVersion when
// asked for any version other than the store's current one.
var ErrHistoricalStateUnavailable = fmt.Errorf("txbuilder: only the current committed state version supports substate reads")

// GetSubstateAtVersion reads a substate's current value, requiring
// atVersion to equal the store's current LastStateVersion(). This
// mirrors the original's actual read surface: componentXrdAmount,
// validatorInfo, and epoch all call read_current() rather than
// addressing an arbitrary historical state version, and
// read_current()/access_non_locked_historical() never expose a "substate
// as of version V" query for V short of the tip. Requesting any other
// version returns ErrHistoricalStateUnavailable rather than silently
// returning stale or zero data.
func GetSubstateAtVersion(store *commitstore.Store, atVersion types.StateVersion, key types.SubstateKey) (types.SubstateValue, bool, error) {
	if atVersion != store.LastStateVersion() {
		return nil, false, ErrHistoricalStateUnavailable
	}
	return store.GetSubstate(key)
}
