// Package shtree implements the state hash tree (spec.md §4.1, component
// C3): a three-tiered, versioned, radix-16 Merkle trie over the substate
// database's (NodeId, Partition, SortKey) key space, plus the stale-node
// log and GC support that keep it from growing without bound.
//
// Each tier — entity, partition, substate — is one instance of the
// generic Trie in trie.go, composed here: an entity's leaf value in the
// entity tier is the root of that entity's own partition-tier trie, and a
// partition's leaf value in a partition tier is the root of that
// partition's own substate-tier trie. Since the three tiers are modeled
// as physically separate Trie instances rather than one nested node
// graph, each per-entity and per-(entity,partition) trie instance tracks
// its own "last written at version" marker explicitly (versions CF)
// instead of inheriting it from a parent ChildRef, which is the one
// respect in which this diverges from a single unified JMT.
package shtree

import (
	"fmt"

	"github.com/ledgerstate/statemanager/internal/kvdb"
	"github.com/ledgerstate/statemanager/internal/types"
)

const entityScope = "entity"

func partitionScope(node types.NodeId) string {
	return fmt.Sprintf("partition:%s", node.String())
}

func substateScope(node types.NodeId, partition types.PartitionNumber) string {
	return fmt.Sprintf("substate:%s:%d", node.String(), partition)
}

// SubstateWrite is one change to apply to the state hash tree: either an
// upsert (ValueHash is the hash of the new substate bytes, Associated
// holds the raw bytes) or a deletion (ValueHash is
// types.TombstoneValueHash, Associated is nil).
type SubstateWrite struct {
	Key        types.SubstateKey
	ValueHash  types.Hash32
	Associated []byte
}

// StateTree composes the entity, partition, and substate tiers over one
// NodeStore.
type StateTree struct {
	db       *kvdb.DB
	store    *NodeStore
	versions *kvdb.CF
}

// NewStateTree opens the state hash tree's column families on db.
func NewStateTree(db *kvdb.DB) *StateTree {
	return &StateTree{
		db:       db,
		store:    NewNodeStore(db),
		versions: db.CF("state_tree_tier_versions"),
	}
}

// NodeStore exposes the underlying node store for the GC task (C11),
// which needs to walk and prune the stale-node log directly.
func (st *StateTree) NodeStore() *NodeStore { return st.store }

func (st *StateTree) lastVersion(scope string) (uint64, bool, error) {
	raw, err := st.versions.Get([]byte(scope))
	if err != nil {
		return 0, false, err
	}
	if raw == nil {
		return 0, false, nil
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("shtree: corrupt tier version record for %s", scope)
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return v, true, nil
}

func (st *StateTree) setLastVersion(batch *kvdb.WriteBatch, scope string, version uint64) error {
	var raw [8]byte
	v := version
	for i := 7; i >= 0; i-- {
		raw[i] = byte(v)
		v >>= 8
	}
	return batch.Set("state_tree_tier_versions", []byte(scope), raw[:])
}

// PutAtNextVersion applies writes to the state hash tree and returns the
// new global state root (spec.md's state_root), at the given newVersion.
// Every entity/partition touched by writes gets its partition/substate
// tier rewritten at newVersion; entities and partitions untouched by this
// commit keep their prior tier roots unchanged, per spec.md's node-sharing
// requirement.
func (st *StateTree) PutAtNextVersion(batch *kvdb.WriteBatch, newVersion types.StateVersion, writes []SubstateWrite) (types.Hash32, error) {
	type partitionKey struct {
		node      types.NodeId
		partition types.PartitionNumber
	}

	byPartition := make(map[partitionKey][]LeafWrite)
	nodesOrder := make([]types.NodeId, 0)
	nodesSeen := make(map[types.NodeId]bool)
	partitionsByNode := make(map[types.NodeId][]types.PartitionNumber)
	partitionsSeen := make(map[partitionKey]bool)

	for _, w := range writes {
		pk := partitionKey{node: w.Key.Partition.Node, partition: w.Key.Partition.Partition}
		byPartition[pk] = append(byPartition[pk], LeafWrite{
			Path:       NibblesFromBytes(w.Key.Sort),
			ValueHash:  w.ValueHash,
			Associated: w.Associated,
		})
		if !nodesSeen[pk.node] {
			nodesSeen[pk.node] = true
			nodesOrder = append(nodesOrder, pk.node)
		}
		if !partitionsSeen[pk] {
			partitionsSeen[pk] = true
			partitionsByNode[pk.node] = append(partitionsByNode[pk.node], pk.partition)
		}
	}

	entityLeafWrites := make([]LeafWrite, 0, len(nodesOrder))
	for _, node := range nodesOrder {
		partitionLeafWrites := make([]LeafWrite, 0, len(partitionsByNode[node]))
		for _, partition := range partitionsByNode[node] {
			pk := partitionKey{node: node, partition: partition}
			scope := substateScope(node, partition)
			fromVer, known, err := st.lastVersion(scope)
			if err != nil {
				return types.Hash32{}, err
			}
			var fromPtr *uint64
			if known {
				fromPtr = &fromVer
			}
			trie := NewTrie(st.store, scope)
			root, err := trie.PutAtNextVersion(batch, fromPtr, uint64(newVersion), byPartition[pk])
			if err != nil {
				return types.Hash32{}, fmt.Errorf("shtree: substate tier %s: %w", scope, err)
			}
			if err := st.setLastVersion(batch, scope, uint64(newVersion)); err != nil {
				return types.Hash32{}, err
			}
			partitionLeafWrites = append(partitionLeafWrites, LeafWrite{
				Path:      NibblesFromBytes([]byte{byte(partition)}),
				ValueHash: root,
			})
		}

		pscope := partitionScope(node)
		fromVer, known, err := st.lastVersion(pscope)
		if err != nil {
			return types.Hash32{}, err
		}
		var fromPtr *uint64
		if known {
			fromPtr = &fromVer
		}
		ptrie := NewTrie(st.store, pscope)
		proot, err := ptrie.PutAtNextVersion(batch, fromPtr, uint64(newVersion), partitionLeafWrites)
		if err != nil {
			return types.Hash32{}, fmt.Errorf("shtree: partition tier %s: %w", pscope, err)
		}
		if err := st.setLastVersion(batch, pscope, uint64(newVersion)); err != nil {
			return types.Hash32{}, err
		}

		entityLeafWrites = append(entityLeafWrites, LeafWrite{
			Path:      NibblesFromBytes(node.Bytes()),
			ValueHash: proot,
		})
	}

	fromVer, known, err := st.lastVersion(entityScope)
	if err != nil {
		return types.Hash32{}, err
	}
	var fromPtr *uint64
	if known {
		fromPtr = &fromVer
	}
	etrie := NewTrie(st.store, entityScope)
	stateRoot, err := etrie.PutAtNextVersion(batch, fromPtr, uint64(newVersion), entityLeafWrites)
	if err != nil {
		return types.Hash32{}, fmt.Errorf("shtree: entity tier: %w", err)
	}
	if len(entityLeafWrites) > 0 {
		if err := st.setLastVersion(batch, entityScope, uint64(newVersion)); err != nil {
			return types.Hash32{}, err
		}
	}
	return stateRoot, nil
}

// GetCurrentValueHash returns the value hash currently stored for key, as
// of the most recent commit that touched its substate tier.
func (st *StateTree) GetCurrentValueHash(key types.SubstateKey) (types.Hash32, bool, error) {
	scope := substateScope(key.Partition.Node, key.Partition.Partition)
	version, known, err := st.lastVersion(scope)
	if err != nil {
		return types.Hash32{}, false, err
	}
	if !known {
		return types.Hash32{}, false, nil
	}
	trie := NewTrie(st.store, scope)
	return trie.GetLeaf(version, NibblesFromBytes(key.Sort))
}

// GetCurrentAssociatedValue returns the raw substate bytes stored
// alongside key's current value hash, if the hash was written with one.
func (st *StateTree) GetCurrentAssociatedValue(key types.SubstateKey) ([]byte, error) {
	scope := substateScope(key.Partition.Node, key.Partition.Partition)
	version, known, err := st.lastVersion(scope)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, nil
	}
	trie := NewTrie(st.store, scope)
	return trie.GetAssociatedValue(version, NibblesFromBytes(key.Sort))
}

// PreviewRoot computes the state root that PutAtNextVersion(atVersion,
// writes) would produce without persisting anything, by staging writes
// against a write batch that is discarded rather than committed. Used by
// the series executor (C6) to derive a per-transaction speculative
// state_root ahead of the real commit, which replays the same cumulative
// writes against the same prior committed version and is therefore
// guaranteed to recompute the identical root.
func (st *StateTree) PreviewRoot(atVersion types.StateVersion, writes []SubstateWrite) (types.Hash32, error) {
	batch, err := st.db.NewWriteBatch()
	if err != nil {
		return types.Hash32{}, err
	}
	defer batch.Close()
	return st.PutAtNextVersion(batch, atVersion, writes)
}

// CurrentStateRoot returns the entity tier's current root hash, i.e. the
// ledger's current state_root.
func (st *StateTree) CurrentStateRoot() (types.Hash32, error) {
	version, known, err := st.lastVersion(entityScope)
	if err != nil {
		return types.Hash32{}, err
	}
	if !known {
		return types.Hash32{}, nil
	}
	trie := NewTrie(st.store, entityScope)
	return trie.RootHash(version)
}
