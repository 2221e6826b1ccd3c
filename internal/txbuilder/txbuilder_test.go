package txbuilder

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/ledgerstate/statemanager/internal/accutree"
	"github.com/ledgerstate/statemanager/internal/codec"
	"github.com/ledgerstate/statemanager/internal/commitstore"
	"github.com/ledgerstate/statemanager/internal/kvdb"
	"github.com/ledgerstate/statemanager/internal/shtree"
	"github.com/ledgerstate/statemanager/internal/types"
)

func TestBuildAndExtractUserLedgerTransaction(t *testing.T) {
	ids := types.UserTransactionIdentifiers{
		IntentHash:       types.HashBytes([]byte("intent")),
		SignedIntentHash: types.HashBytes([]byte("signed-intent")),
		NotarizedHash:    types.HashBytes([]byte("notarized")),
	}
	tx := BuildUserLedgerTransaction(ids, []byte("executable"), false)
	require.Equal(t, types.KindUserV1, tx.Kind)
	require.Equal(t, ids, *tx.UserIdentifiers)

	payload, ok := ExtractNotarizedPayload(tx)
	require.True(t, ok)
	require.Equal(t, []byte("executable"), payload)

	v2 := BuildUserLedgerTransaction(ids, []byte("executable-v2"), true)
	require.Equal(t, types.KindUserV2, v2.Kind)
}

func TestExtractNotarizedPayloadRejectsSyntheticVariants(t *testing.T) {
	_, ok := ExtractNotarizedPayload(types.LedgerTransaction{Kind: types.KindRoundUpdateV1})
	require.False(t, ok)
}

func TestEncodeDecodeLedgerTransactionRoundTrips(t *testing.T) {
	ids := types.UserTransactionIdentifiers{IntentHash: types.HashBytes([]byte("i"))}
	raw, err := EncodeUserLedgerTransaction(ids, []byte("payload"), false, codec.EncodeJSON)
	require.NoError(t, err)
	require.Equal(t, types.KindUserV1, raw.Kind)

	decoded, err := DecodeLedgerTransaction(raw, codec.DecodeJSON)
	require.NoError(t, err)
	require.Equal(t, ids, *decoded.UserIdentifiers)
	require.Equal(t, []byte("payload"), decoded.ExecutablePayload)
}

func buildCommittedStore(t *testing.T) (*commitstore.Store, types.SubstateKey) {
	t.Helper()
	db := kvdb.Open(dbm.NewMemDB())
	store := commitstore.New(db)

	node, err := types.NewNodeId(types.EntityTypeGlobalAccount, []byte{9})
	require.NoError(t, err)
	substateKey := types.SubstateKey{Partition: types.PartitionKey{Node: node, Partition: 0}, Sort: types.SortKey("field")}
	substateValue := types.SubstateValue("hello")
	substateValueHash := types.HashBytes(substateValue)

	ledgerTxHash := types.HashBytes([]byte("tx-1"))
	receipt := types.LedgerTransactionReceipt{Outcome: types.OutcomeSuccess}
	receiptHash, err := receipt.Hash(codec.EncodeJSON)
	require.NoError(t, err)

	// Replay, against an isolated database, exactly what Commit computes
	// internally, so the proof handed to Commit is self-consistent.
	scratch := kvdb.Open(dbm.NewMemDB())
	scratchTree := shtree.NewStateTree(scratch)
	scratchAcc := accutree.NewStore(scratch)
	txTree := accutree.NewTree(scratchAcc, "transaction")
	receiptTree := accutree.NewTree(scratchAcc, "receipt")
	batch, err := scratch.NewWriteBatch()
	require.NoError(t, err)
	stateRoot, err := scratchTree.PutAtNextVersion(batch, 1, []shtree.SubstateWrite{
		{Key: substateKey, ValueHash: substateValueHash, Associated: substateValue},
	})
	require.NoError(t, err)
	txRoot, _, err := txTree.Append(batch, 1, []types.Hash32{ledgerTxHash})
	require.NoError(t, err)
	receiptRoot, _, err := receiptTree.Append(batch, 1, []types.Hash32{receiptHash})
	require.NoError(t, err)
	batch.Close()

	ledgerHashes := types.LedgerHashes{StateRoot: stateRoot, TransactionRoot: txRoot, ReceiptRoot: receiptRoot}
	proof := types.LedgerProof{
		Header: types.LedgerHeader{Epoch: 1, Round: 1, StateVersion: 1, Hashes: ledgerHashes},
		Origin: types.LedgerProofOrigin{Kind: types.OriginConsensus},
	}

	bundle := commitstore.Bundle{
		Transactions: []commitstore.CommittedTransaction{{
			Raw: types.RawLedgerTransaction{Kind: types.KindUserV1, EnvelopeVersion: 1, Payload: []byte("raw-user-tx")},
			Identifiers: types.CommittedTransactionIdentifiers{
				StateVersion:          1,
				LedgerTransactionHash: ledgerTxHash,
				ResultantLedgerHashes: ledgerHashes,
			},
			Receipt: receipt,
		}},
		Proof:           proof,
		SubstateUpserts: []types.SubstateUpsert{{Key: substateKey, Value: substateValue}},
		StateTreeWrites: []shtree.SubstateWrite{
			{Key: substateKey, ValueHash: substateValueHash, Associated: substateValue},
		},
	}
	require.NoError(t, store.Commit(bundle))
	return store, substateKey
}

func TestGetExecutedTransactionAtVersion(t *testing.T) {
	store, _ := buildCommittedStore(t)

	got, ok, err := GetExecutedTransactionAtVersion(store, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.OutcomeSuccess, got.Outcome)
	require.Equal(t, []byte("raw-user-tx"), got.RawPayload)

	_, ok, err = GetExecutedTransactionAtVersion(store, 2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetSubstateAtVersionOnlySupportsCurrent(t *testing.T) {
	store, substateKey := buildCommittedStore(t)

	value, ok, err := GetSubstateAtVersion(store, store.LastStateVersion(), substateKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.SubstateValue("hello"), value)

	_, _, err = GetSubstateAtVersion(store, 0, substateKey)
	require.ErrorIs(t, err, ErrHistoricalStateUnavailable)
}
