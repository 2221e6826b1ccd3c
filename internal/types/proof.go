package types

import "fmt"

// LedgerHashes is the triple of committed hash-structure roots at a given
// state version.
type LedgerHashes struct {
	StateRoot       Hash32
	TransactionRoot Hash32
	ReceiptRoot     Hash32
}

// LedgerProofOriginKind tags where a LedgerProof came from.
//
// Per spec §9 Open Questions, the legacy codebase has two competing
// representations for protocol-update provenance (a batch index encoded
// in an opaque proof field, vs. a typed origin enum). This implementation
// takes the typed LedgerProofOrigin as canonical, per the spec's
// direction, and never produces the opaque-field form.
type LedgerProofOriginKind byte

const (
	OriginGenesis LedgerProofOriginKind = iota
	OriginConsensus
	OriginProtocolUpdate
)

// LedgerProofOrigin identifies the provenance of a LedgerProof.
type LedgerProofOrigin struct {
	Kind LedgerProofOriginKind

	// Set only when Kind == OriginProtocolUpdate.
	ProtocolVersion string
	BatchIndex      uint32
}

// LedgerHeader is the signed content of a LedgerProof.
type LedgerHeader struct {
	Epoch        Epoch
	Round        Round
	StateVersion StateVersion
	Hashes       LedgerHashes

	ConsensusParentRoundTimestampMs int64
	ProposerTimestampMs             int64

	// NextEpoch is set exactly on the proof that ends an epoch.
	NextEpoch *Epoch

	// NextProtocolVersion is set exactly on the last non-protocol-update
	// proof of a series, per spec invariant 8.
	NextProtocolVersion *string
}

// LedgerProof is a signed commitment to a LedgerHeader.
type LedgerProof struct {
	Header     LedgerHeader
	Origin     LedgerProofOrigin
	Signatures [][]byte // opaque validator signatures, verified by internal/proofsig
}

// Validate enforces spec invariants 8 and 9 structurally.
func (p LedgerProof) Validate() error {
	if p.Origin.Kind == OriginProtocolUpdate {
		if p.Header.NextEpoch != nil {
			return fmt.Errorf("protocol-update proof must not carry next_epoch")
		}
		if p.Header.NextProtocolVersion != nil {
			return fmt.Errorf("protocol-update proof must not carry next_protocol_version")
		}
	}
	return nil
}

// CommittedTransactionIdentifiers records the hashes and resultant ledger
// hashes produced by committing one transaction.
type CommittedTransactionIdentifiers struct {
	StateVersion         StateVersion
	LedgerTransactionHash LedgerTransactionHash
	UserIdentifiers      *UserTransactionIdentifiers
	ResultantLedgerHashes LedgerHashes
	ProposerTimestampMs  int64
}

// SubstateNodeAncestryRecord records the parent and tree-root of a
// non-root entity node, used to reconstruct ownership graphs without
// in-memory pointers (spec §9 "cyclic graphs" design note).
type SubstateNodeAncestryRecord struct {
	Parent NodeId
	Root   NodeId
}
