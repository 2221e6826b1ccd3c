package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// NodeIdLength is the fixed size of a NodeId: one entity-type byte plus 27
// bytes of entity-id.
const NodeIdLength = 28

// EntityType tags the first byte of a NodeId.
type EntityType byte

const (
	EntityTypeUnknown            EntityType = 0x00
	EntityTypeGlobalPackage      EntityType = 0x01
	EntityTypeGlobalComponent    EntityType = 0x02
	EntityTypeGlobalAccount      EntityType = 0x03
	EntityTypeGlobalValidator    EntityType = 0x04
	EntityTypeGlobalResourceMgr  EntityType = 0x05
	EntityTypeInternalKeyValue   EntityType = 0x40
	EntityTypeInternalFungible   EntityType = 0x41
)

// NodeId globally and uniquely identifies an entity in the substate
// database. The first byte encodes EntityType; the remainder is an
// opaque entity-id.
type NodeId [NodeIdLength]byte

// NewNodeId builds a NodeId from an entity type and up to NodeIdLength-1
// bytes of entity-id, zero-padded on the right.
func NewNodeId(t EntityType, entityID []byte) (NodeId, error) {
	if len(entityID) > NodeIdLength-1 {
		return NodeId{}, fmt.Errorf("entity id too long: %d bytes, max %d", len(entityID), NodeIdLength-1)
	}
	var n NodeId
	n[0] = byte(t)
	copy(n[1:], entityID)
	return n, nil
}

// Type returns the entity type encoded in the NodeId's first byte.
func (n NodeId) Type() EntityType { return EntityType(n[0]) }

// Bytes returns the raw 28-byte representation.
func (n NodeId) Bytes() []byte { return n[:] }

func (n NodeId) String() string { return hex.EncodeToString(n[:]) }

// Less provides a total order over NodeIds, used for deterministic
// iteration and as a tree-tier key ordering.
func (n NodeId) Less(other NodeId) bool { return bytes.Compare(n[:], other[:]) < 0 }

// PartitionNumber selects a partition within an entity.
type PartitionNumber uint8

// PartitionKey identifies a partition of substates belonging to one entity.
type PartitionKey struct {
	Node      NodeId
	Partition PartitionNumber
}

// Encode produces the canonical, order-preserving byte encoding used as a
// prefix for substate keys: the 28 node-id bytes followed by the
// partition number.
func (k PartitionKey) Encode() []byte {
	out := make([]byte, NodeIdLength+1)
	copy(out, k.Node[:])
	out[NodeIdLength] = byte(k.Partition)
	return out
}

// SortKey is the per-partition substate key suffix.
type SortKey []byte

// SubstateKey uniquely addresses one substate: (PartitionKey, SortKey).
type SubstateKey struct {
	Partition PartitionKey
	Sort      SortKey
}

// Encode returns the full ordered on-disk key: encode(partition_key) ∥ sort_key.
func (k SubstateKey) Encode() []byte {
	p := k.Partition.Encode()
	out := make([]byte, 0, len(p)+len(k.Sort))
	out = append(out, p...)
	out = append(out, k.Sort...)
	return out
}

// SubstateValue is the opaque, versioned byte string produced by the
// Engine for one substate.
type SubstateValue []byte
