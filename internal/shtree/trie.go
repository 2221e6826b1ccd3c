package shtree

import (
	"fmt"

	"github.com/ledgerstate/statemanager/internal/kvdb"
	"github.com/ledgerstate/statemanager/internal/types"
)

// LeafWrite is one key/value change to apply in a single PutAtNextVersion
// call. ValueHash carrying the tombstone sentinel (spec.md §3, "deletion
// is represented as a leaf with a tombstone value hash") is how deletion
// is expressed; the trie itself never removes a key structurally.
type LeafWrite struct {
	Path       NibblePath
	ValueHash  types.Hash32
	Associated []byte // optional raw substate bytes to persist alongside the hash
}

// Trie is one versioned, copy-on-write radix-16 instance, scoped to one
// of the three state hash tree tiers (spec.md §4.1).
type Trie struct {
	store *NodeStore
	scope string
}

// NewTrie returns the trie instance for scope, persisting through store.
func NewTrie(store *NodeStore, scope string) *Trie {
	return &Trie{store: store, scope: scope}
}

// builder accumulates one PutAtNextVersion call's working set: nodes
// rewritten this version (overlay, keyed by the raw nibble path cast to a
// string) and the set of previously-persisted keys those rewrites shadow
// (staleKeys, spec.md §4.1 "stale-node tracking").
type builder struct {
	store      *NodeStore
	scope      string
	newVersion uint64
	batch      *kvdb.WriteBatch

	overlay   map[string]Node
	staled    map[string]bool
	staleKeys []StoredTreeNodeKey
}

func (b *builder) get(path NibblePath, fallbackPresent bool, fallbackVersion uint64) (Node, bool, error) {
	pathKey := string(path)
	if ov, ok := b.overlay[pathKey]; ok {
		return ov, false, nil
	}
	if !fallbackPresent {
		return Node{Kind: NodeKindNull}, false, nil
	}
	n, found, err := b.store.GetNode(StoredTreeNodeKey{Scope: b.scope, Version: fallbackVersion, Path: path})
	if err != nil {
		return Node{}, false, err
	}
	if !found {
		return Node{}, false, fmt.Errorf("shtree: missing node for scope %s at version %d path %x", b.scope, fallbackVersion, path.Bytes())
	}
	return n, true, nil
}

// insert descends to path, applying write if path is write's full target,
// otherwise recursing one nibble further toward it. It returns the new
// node that now lives at path.
func (b *builder) insert(path NibblePath, fallbackPresent bool, fallbackVersion uint64, write LeafWrite) (Node, error) {
	pathKey := string(path)

	node, fromStore, err := b.get(path, fallbackPresent, fallbackVersion)
	if err != nil {
		return Node{}, err
	}
	if fromStore && !b.staled[pathKey] {
		b.staled[pathKey] = true
		b.staleKeys = append(b.staleKeys, StoredTreeNodeKey{Scope: b.scope, Version: fallbackVersion, Path: path.Clone()})
	}
	node.Kind = NodeKindBranch

	remaining := write.Path[len(path):]
	if len(remaining) == 0 {
		node.HasTerminal = true
		node.TerminalHash = write.ValueHash
		node.TerminalAssociated = write.Associated != nil
		b.overlay[pathKey] = node
		if write.Associated != nil {
			key := StoredTreeNodeKey{Scope: b.scope, Version: b.newVersion, Path: path.Clone()}
			if err := b.store.PutAssociatedValue(b.batch, key, write.Associated); err != nil {
				return Node{}, err
			}
		}
		return node, nil
	}

	nib := remaining[0]
	childRef := node.Children[nib]
	childPath := append(path.Clone(), nib)

	newChild, err := b.insert(childPath, childRef.Present, childRef.Version, write)
	if err != nil {
		return Node{}, err
	}
	node.Children[nib] = ChildRef{Present: true, Version: b.newVersion, Hash: newChild.Hash()}
	b.overlay[pathKey] = node
	return node, nil
}

// PutAtNextVersion applies writes on top of the tree as it stood at
// fromVersion (nil means "the empty tree") and persists the result at
// newVersion, returning the new root hash. Every write's key must be a
// complete NibblePath (callers build these with NibblesFromBytes over the
// tier's encoded key).
func (t *Trie) PutAtNextVersion(batch *kvdb.WriteBatch, fromVersion *uint64, newVersion uint64, writes []LeafWrite) (types.Hash32, error) {
	b := &builder{
		store:      t.store,
		scope:      t.scope,
		newVersion: newVersion,
		batch:      batch,
		overlay:    make(map[string]Node),
		staled:     make(map[string]bool),
	}

	fallbackPresent := fromVersion != nil
	var fallbackVersion uint64
	if fromVersion != nil {
		fallbackVersion = *fromVersion
	}

	var root Node
	haveRoot := false
	for _, w := range writes {
		r, err := b.insert(NibblePath{}, fallbackPresent, fallbackVersion, w)
		if err != nil {
			return types.Hash32{}, err
		}
		root = r
		haveRoot = true
	}
	if !haveRoot {
		if fromVersion == nil {
			return types.Hash32{}, nil
		}
		n, found, err := t.store.GetNode(StoredTreeNodeKey{Scope: t.scope, Version: *fromVersion, Path: NibblePath{}})
		if err != nil {
			return types.Hash32{}, err
		}
		if !found {
			return types.Hash32{}, nil
		}
		root = n
	}

	for pathKey, n := range b.overlay {
		path := NibblePath([]byte(pathKey))
		key := StoredTreeNodeKey{Scope: t.scope, Version: newVersion, Path: path}
		if err := t.store.PutNode(batch, key, n); err != nil {
			return types.Hash32{}, err
		}
	}
	if err := t.store.AppendStaleKeys(batch, newVersion, b.staleKeys); err != nil {
		return types.Hash32{}, err
	}
	return root.Hash(), nil
}

// RootHash returns the root hash of the tree as of atVersion. A nil
// *StateVersion tree (never written) hashes as the zero hash.
func (t *Trie) RootHash(atVersion uint64) (types.Hash32, error) {
	n, found, err := t.store.GetNode(StoredTreeNodeKey{Scope: t.scope, Version: atVersion, Path: NibblePath{}})
	if err != nil {
		return types.Hash32{}, err
	}
	if !found {
		return types.Hash32{}, nil
	}
	return n.Hash(), nil
}

// GetLeaf descends the tree as of atVersion to path and returns the
// terminal value hash stored there, if any.
func (t *Trie) GetLeaf(atVersion uint64, path NibblePath) (types.Hash32, bool, error) {
	cur, found, err := t.store.GetNode(StoredTreeNodeKey{Scope: t.scope, Version: atVersion, Path: NibblePath{}})
	if err != nil {
		return types.Hash32{}, false, err
	}
	if !found {
		return types.Hash32{}, false, nil
	}
	for i := 0; i < len(path); i++ {
		ref := cur.Children[path[i]]
		if !ref.Present {
			return types.Hash32{}, false, nil
		}
		childPath := path[:i+1]
		child, found, err := t.store.GetNode(StoredTreeNodeKey{Scope: t.scope, Version: ref.Version, Path: childPath})
		if err != nil {
			return types.Hash32{}, false, err
		}
		if !found {
			return types.Hash32{}, false, fmt.Errorf("shtree: missing node for scope %s at version %d path %x", t.scope, ref.Version, childPath.Bytes())
		}
		cur = child
	}
	if !cur.HasTerminal {
		return types.Hash32{}, false, nil
	}
	return cur.TerminalHash, true, nil
}

// GetAssociatedValue returns the raw substate bytes stored alongside the
// leaf at path as of the version it was last written, if any were stored.
func (t *Trie) GetAssociatedValue(writtenAtVersion uint64, path NibblePath) ([]byte, error) {
	return t.store.GetAssociatedValue(StoredTreeNodeKey{Scope: t.scope, Version: writtenAtVersion, Path: path})
}

// Traverse walks every leaf (terminal value) reachable as of atVersion in
// nibble-path order, calling fn(path, valueHash) for each until fn returns
// false. Nothing in this module calls it outside its tests.
func (t *Trie) Traverse(atVersion uint64, fn func(path NibblePath, valueHash types.Hash32) bool) error {
	root, found, err := t.store.GetNode(StoredTreeNodeKey{Scope: t.scope, Version: atVersion, Path: NibblePath{}})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	_, err = t.traverse(NibblePath{}, root, fn)
	return err
}

func (t *Trie) traverse(path NibblePath, n Node, fn func(NibblePath, types.Hash32) bool) (bool, error) {
	if n.HasTerminal {
		if !fn(path, n.TerminalHash) {
			return false, nil
		}
	}
	for i, ref := range n.Children {
		if !ref.Present {
			continue
		}
		childPath := append(path.Clone(), byte(i))
		child, found, err := t.store.GetNode(StoredTreeNodeKey{Scope: t.scope, Version: ref.Version, Path: childPath})
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("shtree: missing node for scope %s at version %d path %x", t.scope, ref.Version, childPath.Bytes())
		}
		cont, err := t.traverse(childPath, child, fn)
		if err != nil || !cont {
			return false, err
		}
	}
	return true, nil
}
