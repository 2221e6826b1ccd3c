// Package execcache implements the speculative execution cache (spec.md
// §4.3, component C5): an in-memory, copy-on-write DAG of post-state
// overlays keyed by the resultant transaction-root hash, so repeated
// vertex proposals that share a transaction prefix skip re-executing it.
//
// Grounded on the teacher's pkg/merkle domain-separated hashing for the
// keying scheme (internal/types.Merge via the accumulator roots the
// series executor derives transaction roots from) and on the general
// shape of an immutable overlay chain; nothing in the pack implements a
// speculative execution cache directly, so the DAG/overlay mechanics
// here are built from the spec's description rather than adapted from a
// teacher file.
package execcache

import (
	"fmt"
	"sync"

	"github.com/ledgerstate/statemanager/internal/types"
)

// BaseSubstateStore is the persisted substate store a cache is staged
// over. *commitstore.Store satisfies this without either package
// importing the other.
type BaseSubstateStore interface {
	GetSubstate(key types.SubstateKey) (types.SubstateValue, bool, error)
}

// ReadableSubstateStore is the read view handed to an Executor: the
// staged accumulator of prior transactions in this branch, overlaid on
// the persisted base.
type ReadableSubstateStore interface {
	GetSubstate(key types.SubstateKey) (types.SubstateValue, bool, error)
}

// Executor runs one transaction against a staged read view and returns
// its receipt. It must be a pure function of (view, the transaction
// baked into the closure) so that a cache hit and a fresh execution are
// indistinguishable to the caller.
type Executor func(view ReadableSubstateStore) (types.LedgerTransactionReceipt, error)

// stageNode is one node of the speculative stage tree: the substate
// effects of one transaction, keyed by the transaction-root hash that
// results from applying it on top of its parent.
type stageNode struct {
	parent  *stageNode
	txRoot  types.Hash32
	receipt types.LedgerTransactionReceipt
	upserts map[string]types.SubstateValue
	deletes map[string]bool
}

func newStageNode(parent *stageNode, txRoot types.Hash32, receipt types.LedgerTransactionReceipt) *stageNode {
	n := &stageNode{
		parent:  parent,
		txRoot:  txRoot,
		receipt: receipt,
		upserts: make(map[string]types.SubstateValue, len(receipt.StateChanges.Upserts)),
		deletes: make(map[string]bool, len(receipt.StateChanges.Deletes)),
	}
	for _, u := range receipt.StateChanges.Upserts {
		n.upserts[string(u.Key.Encode())] = u.Value
	}
	for _, d := range receipt.StateChanges.Deletes {
		n.deletes[string(d.Key.Encode())] = true
	}
	return n
}

// stagedView is the read-through overlay for one node: walk the parent
// chain looking for the most recent write to key, falling back to the
// persisted base. Immutable once built.
type stagedView struct {
	base BaseSubstateStore
	node *stageNode
}

func (v stagedView) GetSubstate(key types.SubstateKey) (types.SubstateValue, bool, error) {
	k := string(key.Encode())
	for n := v.node; n != nil; n = n.parent {
		if n.deletes[k] {
			return nil, false, nil
		}
		if val, ok := n.upserts[k]; ok {
			return val, true, nil
		}
	}
	if v.base == nil {
		return nil, false, nil
	}
	return v.base.GetSubstate(key)
}

// Cache is the speculative execution cache. Access is serialized by mu
// for the duration of a single ExecuteTransaction call, per spec.md
// §4.3's "accessed through an exclusive lock" note.
type Cache struct {
	mu sync.Mutex

	base       BaseSubstateStore
	nodes      map[types.Hash32]*stageNode
	rootTxRoot types.Hash32 // the persisted transaction-root; has no stage node

	totalWeight int
	deadWeight  int
}

// New creates an execution cache staged over base, rooted at
// persistedTxRoot (the transaction-root of the last committed state).
func New(base BaseSubstateStore, persistedTxRoot types.Hash32) *Cache {
	return &Cache{base: base, nodes: make(map[types.Hash32]*stageNode), rootTxRoot: persistedTxRoot}
}

func (c *Cache) nodeFor(txRoot types.Hash32) (*stageNode, error) {
	if txRoot == c.rootTxRoot {
		return nil, nil
	}
	n, ok := c.nodes[txRoot]
	if !ok {
		return nil, fmt.Errorf("execcache: unknown transaction root %s", txRoot)
	}
	return n, nil
}

// ExecuteTransaction returns the receipt for the transaction carrying the
// stage tree from parentTxRoot to childTxRoot: an existing node is reused
// verbatim; otherwise exec runs against a staged view of (base, parent)
// and a new node is attached.
func (c *Cache) ExecuteTransaction(parentTxRoot, childTxRoot types.Hash32, exec Executor) (types.LedgerTransactionReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, err := c.nodeFor(parentTxRoot)
	if err != nil {
		return types.LedgerTransactionReceipt{}, err
	}

	if existing, ok := c.nodes[childTxRoot]; ok {
		existingParent := c.rootTxRoot
		if existing.parent != nil {
			existingParent = existing.parent.txRoot
		}
		if existingParent == parentTxRoot {
			return existing.receipt, nil
		}
	}

	view := stagedView{base: c.base, node: parent}
	receipt, err := exec(view)
	if err != nil {
		return types.LedgerTransactionReceipt{}, err
	}

	c.nodes[childTxRoot] = newStageNode(parent, childTxRoot, receipt)
	c.totalWeight++
	return receipt, nil
}

// ProgressRoot reparents the cache to newRootTxRoot, the transaction-root
// of a node whose effects have just been durably committed. Everything
// that is not a descendant of the new root is dropped: ancestors of the
// new root (previously-productive work, now behind the persisted point)
// are counted toward dead_weight; sibling branches are simply discarded.
// When dead_weight exceeds total_weight, the accounting resets — the
// remaining live set is cheap to rebuild from and there is no value in
// remembering pruned history past that point.
func (c *Cache) ProgressRoot(newRootTxRoot types.Hash32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if newRootTxRoot == c.rootTxRoot {
		return nil
	}
	newRoot, ok := c.nodes[newRootTxRoot]
	if !ok {
		return fmt.Errorf("execcache: progress_root to unknown transaction root %s", newRootTxRoot)
	}

	for n := newRoot.parent; n != nil; n = n.parent {
		c.deadWeight++
	}

	kept := make(map[types.Hash32]*stageNode)
	for txRoot, n := range c.nodes {
		for cur := n; cur != nil; cur = cur.parent {
			if cur == newRoot {
				kept[txRoot] = n
				break
			}
		}
	}

	c.nodes = kept
	c.rootTxRoot = newRootTxRoot
	newRoot.parent = nil

	if c.deadWeight > c.totalWeight {
		c.deadWeight = 0
		c.totalWeight = len(c.nodes)
	}
	return nil
}

// Weights exposes the dead/total weight counters, for tests and metrics.
func (c *Cache) Weights() (dead, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadWeight, c.totalWeight
}

// RootTxRoot returns the cache's current persisted root transaction-root.
func (c *Cache) RootTxRoot() types.Hash32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rootTxRoot
}
