package shtree

import (
	"encoding/binary"
	"fmt"

	"github.com/ledgerstate/statemanager/internal/codec"
	"github.com/ledgerstate/statemanager/internal/kvdb"
	"github.com/ledgerstate/statemanager/internal/types"
)

const (
	cfTreeNodes        = "state_hash_tree_nodes"
	cfStaleParts       = "stale_state_hash_tree_parts"
	cfAssociatedValues = "associated_state_tree_values"
)

// StoredTreeNodeKey = (scope, version, nibble path), per spec.md §3. Scope
// distinguishes the entity / partition / substate tier instances so that
// many small tries can share one column family.
type StoredTreeNodeKey struct {
	Scope   string
	Version uint64
	Path    NibblePath
}

// Encode produces an order-preserving on-disk key: scope, then big-endian
// version, then the raw path bytes (each path element is its own byte;
// since nibbles are 0-15 this never collides with a length-prefix ambiguity
// as long as the scope is separated with a NUL, which cf-key-prefixing in
// internal/kvdb's encoding keeps are distinct from sibling scopes).
func (k StoredTreeNodeKey) Encode() []byte {
	out := make([]byte, 0, len(k.Scope)+1+8+len(k.Path))
	out = append(out, []byte(k.Scope)...)
	out = append(out, 0)
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], k.Version)
	out = append(out, vb[:]...)
	out = append(out, k.Path...)
	return out
}

// wireNode is the RLP-encodable form of Node. RLP cannot encode the
// Children [16]ChildRef array of structs directly, so it is flattened
// into parallel arrays.
type wireNode struct {
	Kind uint8

	ChildPresent [16]bool
	ChildVersion [16]uint64
	ChildHash    [16][]byte

	HasTerminal        bool
	TerminalHash       []byte
	TerminalAssociated bool
}

func toWire(n Node) wireNode {
	w := wireNode{
		Kind:               uint8(n.Kind),
		HasTerminal:        n.HasTerminal,
		TerminalHash:       n.TerminalHash[:],
		TerminalAssociated: n.TerminalAssociated,
	}
	for i, c := range n.Children {
		w.ChildPresent[i] = c.Present
		w.ChildVersion[i] = c.Version
		h := c.Hash
		w.ChildHash[i] = h[:]
	}
	return w
}

func fromWire(w wireNode) Node {
	n := Node{Kind: NodeKind(w.Kind), HasTerminal: w.HasTerminal, TerminalAssociated: w.TerminalAssociated}
	copy(n.TerminalHash[:], w.TerminalHash)
	for i := 0; i < 16; i++ {
		if w.ChildPresent[i] {
			var h types.Hash32
			copy(h[:], w.ChildHash[i])
			n.Children[i] = ChildRef{Present: true, Version: w.ChildVersion[i], Hash: h}
		}
	}
	return n
}

// NodeStore persists tree nodes and the stale-node log for one underlying
// kvdb.DB.
type NodeStore struct {
	nodes        *kvdb.CF
	staleParts   *kvdb.CF
	associated   *kvdb.CF
}

// NewNodeStore opens the column families backing the state hash tree.
func NewNodeStore(db *kvdb.DB) *NodeStore {
	return &NodeStore{
		nodes:      db.CF(cfTreeNodes),
		staleParts: db.CF(cfStaleParts),
		associated: db.CF(cfAssociatedValues),
	}
}

// GetNode fetches the node stored at key. Per spec.md §4.1's failure
// mode, a descent that references a key which turns out to be missing is
// a fatal condition for the *caller* to raise (NodeStore itself just
// reports "not found" so callers can distinguish "not found" from I/O
// error).
func (s *NodeStore) GetNode(key StoredTreeNodeKey) (Node, bool, error) {
	raw, err := s.nodes.Get(key.Encode())
	if err != nil {
		return Node{}, false, fmt.Errorf("shtree: get node %s: %w", key.Scope, err)
	}
	if raw == nil {
		return Node{}, false, nil
	}
	var w wireNode
	if err := codec.DecodeRLP(raw, &w); err != nil {
		return Node{}, false, fmt.Errorf("shtree: decode node %s: %w", key.Scope, err)
	}
	return fromWire(w), true, nil
}

// PutNode stages a write of one new node into batch.
func (s *NodeStore) PutNode(batch *kvdb.WriteBatch, key StoredTreeNodeKey, n Node) error {
	raw, err := codec.EncodeRLP(toWire(n))
	if err != nil {
		return fmt.Errorf("shtree: encode node %s: %w", key.Scope, err)
	}
	return batch.Set(cfTreeNodes, key.Encode(), raw)
}

// PutAssociatedValue stages the optional raw substate bytes associated
// with a substate-tier leaf (spec.md §4.1 "Associated values").
func (s *NodeStore) PutAssociatedValue(batch *kvdb.WriteBatch, key StoredTreeNodeKey, value []byte) error {
	return batch.Set(cfAssociatedValues, key.Encode(), value)
}

// GetAssociatedValue returns the raw substate bytes stored alongside a
// leaf, if any.
func (s *NodeStore) GetAssociatedValue(key StoredTreeNodeKey) ([]byte, error) {
	return s.associated.Get(key.Encode())
}

// staleKeyForVersion encodes the log key for one stale-node batch.
func staleKeyForVersion(version uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], version)
	return b[:]
}

// AppendStaleKeys records, under the version at which they became stale,
// every StoredTreeNodeKey a commit shadows (spec.md §4.1 "Stale-node
// tracking"). The log is append-only (spec invariant 7); GC is the only
// thing that ever deletes entries.
func (s *NodeStore) AppendStaleKeys(batch *kvdb.WriteBatch, staleAtVersion uint64, keys []StoredTreeNodeKey) error {
	if len(keys) == 0 {
		return nil
	}
	raw, err := codec.EncodeJSON(keys)
	if err != nil {
		return fmt.Errorf("shtree: encode stale parts: %w", err)
	}
	return batch.Set(cfStaleParts, staleKeyForVersion(staleAtVersion), raw)
}

// IterateStaleParts walks the stale-node log in ascending state-version
// order starting at fromVersion (inclusive), calling fn for each batch's
// keys until it returns false. Used by the SHT GC
// (spec.md §4.9).
func (s *NodeStore) IterateStaleParts(fromVersion uint64, fn func(version uint64, keys []StoredTreeNodeKey) bool) error {
	return s.staleParts.Iterate(nil, func(key, value []byte) bool {
		version := binary.BigEndian.Uint64(key)
		if version < fromVersion {
			return true
		}
		var keys []StoredTreeNodeKey
		if err := codec.DecodeJSON(value, &keys); err != nil {
			return false
		}
		return fn(version, keys)
	})
}

// DeleteStaleLogEntry removes the stale-log entry for a version (the GC
// calls this once it has processed and deleted every node it named).
func (s *NodeStore) DeleteStaleLogEntry(batch *kvdb.WriteBatch, version uint64) error {
	return batch.Delete(cfStaleParts, staleKeyForVersion(version))
}

// DeleteNode removes one tree node (GC only).
func (s *NodeStore) DeleteNode(batch *kvdb.WriteBatch, key StoredTreeNodeKey) error {
	return batch.Delete(cfTreeNodes, key.Encode())
}
