// Tests in this file need a live Postgres instance; they skip entirely
// unless STATEMANAGER_TEST_DB names one, following the teacher's
// pkg/database/proof_artifact_repository_test.go convention.
package index

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerstate/statemanager/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	connStr := os.Getenv("STATEMANAGER_TEST_DB")
	if connStr == "" {
		t.Skip("STATEMANAGER_TEST_DB not set; skipping Postgres-backed index tests")
	}
	ctx := context.Background()
	s, err := Open(ctx, DefaultConfig(connStr))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

func mustNode(t *testing.T, typ types.EntityType, id byte) types.NodeId {
	t.Helper()
	n, err := types.NewNodeId(typ, []byte{id})
	require.NoError(t, err)
	return n
}

func TestIndexCommitRecordsEntityCreationOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	node := mustNode(t, types.EntityTypeGlobalComponent, 0x01)
	require.NoError(t, s.IndexCommit(ctx, CommitUpdate{StateVersion: 10, IndexWithinTx: 0, Node: node, Created: true}))
	// Re-indexing the same (entity_type, state_version, index_within_tx) is
	// idempotent thanks to the unique constraint / ON CONFLICT DO NOTHING.
	require.NoError(t, s.IndexCommit(ctx, CommitUpdate{StateVersion: 10, IndexWithinTx: 0, Node: node, Created: true}))
}

func TestIndexDatabaseUpdatesTracksAccountChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	account := mustNode(t, types.EntityTypeGlobalAccount, 0x02)
	key := types.SubstateKey{Partition: types.PartitionKey{Node: account}}
	updates := types.DatabaseUpdates{Upserts: []types.SubstateUpsert{{Key: key}}}

	seen := map[types.NodeId]bool{}
	require.NoError(t, s.IndexDatabaseUpdates(ctx, 20, updates, seen))
	require.NoError(t, s.IndexDatabaseUpdates(ctx, 21, updates, seen))

	versions, err := s.AccountChangesSince(ctx, account.Bytes(), 0, 10)
	require.NoError(t, err)
	require.Contains(t, versions, types.StateVersion(20))
	require.Contains(t, versions, types.StateVersion(21))
}
