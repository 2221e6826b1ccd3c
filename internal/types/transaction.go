package types

import (
	"encoding/binary"
	"fmt"
)

// LedgerTransactionKind tags the variant of a LedgerTransaction, matching
// the tagged union from spec.md §3.
type LedgerTransactionKind byte

const (
	KindUserV1             LedgerTransactionKind = 1
	KindUserV2             LedgerTransactionKind = 2
	KindRoundUpdateV1      LedgerTransactionKind = 3
	KindGenesisFlash       LedgerTransactionKind = 4
	KindGenesisTransaction LedgerTransactionKind = 5
	KindProtocolUpdateFlash LedgerTransactionKind = 6
)

func (k LedgerTransactionKind) String() string {
	switch k {
	case KindUserV1:
		return "UserV1"
	case KindUserV2:
		return "UserV2"
	case KindRoundUpdateV1:
		return "RoundUpdateV1"
	case KindGenesisFlash:
		return "GenesisFlash"
	case KindGenesisTransaction:
		return "GenesisTransaction"
	case KindProtocolUpdateFlash:
		return "ProtocolUpdateFlash"
	default:
		return fmt.Sprintf("LedgerTransactionKind(%d)", byte(k))
	}
}

// IsUser reports whether the variant carries intent/signature hashes.
func (k LedgerTransactionKind) IsUser() bool {
	return k == KindUserV1 || k == KindUserV2
}

// IsSynthetic reports whether the variant is produced by the node itself
// rather than submitted by a user (round updates, genesis, protocol
// updates).
func (k LedgerTransactionKind) IsSynthetic() bool { return !k.IsUser() }

// LedgerTransactionHash identifies the raw bytes of a committed ledger
// transaction.
type LedgerTransactionHash = Hash32

// IntentHash identifies a user transaction's logical content, used for
// double-spend prevention (spec invariant 5).
type IntentHash = Hash32

// SignedIntentHash identifies an intent plus its signatures.
type SignedIntentHash = Hash32

// NotarizedTransactionHash identifies a fully notarized user transaction.
type NotarizedTransactionHash = Hash32

// RawLedgerTransaction is the self-describing, content-versioned wire
// encoding of a LedgerTransaction: a one-byte kind tag, a one-byte
// envelope version, and the kind-specific payload.
type RawLedgerTransaction struct {
	Kind           LedgerTransactionKind
	EnvelopeVersion byte
	Payload        []byte
}

// Hash computes the LedgerTransactionHash of the raw bytes.
func (r RawLedgerTransaction) Hash() LedgerTransactionHash {
	return HashBytes(r.Encode())
}

// Encode serializes the raw transaction to its canonical on-disk form:
// kind (1 byte) ∥ envelope version (1 byte) ∥ big-endian payload length (4
// bytes) ∥ payload.
func (r RawLedgerTransaction) Encode() []byte {
	out := make([]byte, 0, 6+len(r.Payload))
	out = append(out, byte(r.Kind), r.EnvelopeVersion)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.Payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, r.Payload...)
	return out
}

// DecodeRawLedgerTransaction parses the canonical on-disk form produced by
// Encode.
func DecodeRawLedgerTransaction(b []byte) (RawLedgerTransaction, error) {
	if len(b) < 6 {
		return RawLedgerTransaction{}, fmt.Errorf("raw ledger transaction too short: %d bytes", len(b))
	}
	kind := LedgerTransactionKind(b[0])
	version := b[1]
	n := binary.BigEndian.Uint32(b[2:6])
	if uint32(len(b)-6) != n {
		return RawLedgerTransaction{}, fmt.Errorf("raw ledger transaction length mismatch: header says %d, have %d", n, len(b)-6)
	}
	payload := make([]byte, n)
	copy(payload, b[6:])
	return RawLedgerTransaction{Kind: kind, EnvelopeVersion: version, Payload: payload}, nil
}

// UserTransactionIdentifiers bundles the three hashes a validated user
// transaction carries.
type UserTransactionIdentifiers struct {
	IntentHash       IntentHash
	SignedIntentHash SignedIntentHash
	NotarizedHash    NotarizedTransactionHash
}

// UserTransactionEnvelope is the structural header a UserV1/UserV2
// RawLedgerTransaction payload decodes to: everything the committability
// validator's structural-parse step (spec.md §4.6 step 1) needs before
// touching the substate store or the Engine.
type UserTransactionEnvelope struct {
	Identifiers         UserTransactionIdentifiers
	StartEpochInclusive Epoch
	EndEpochExclusive   Epoch
	SignatureCount      int
	ExecutablePayload   []byte
}


// LedgerTransaction is the tagged-union ledger transaction. Exactly one of
// the variant-specific fields is meaningful, selected by Kind.
type LedgerTransaction struct {
	Kind LedgerTransactionKind

	// Set only when Kind.IsUser().
	UserIdentifiers *UserTransactionIdentifiers

	// Raw executable payload — opaque to the state manager, handed to the
	// Engine's execute() as-is.
	ExecutablePayload []byte

	// Set only for RoundUpdateV1: the round this transaction advances to.
	RoundUpdate *RoundUpdatePayload

	// Set only for ProtocolUpdateFlash.
	ProtocolUpdateBatch *ProtocolUpdateBatchPayload
}

// RoundUpdatePayload carries the consensus-supplied round-advance data.
type RoundUpdatePayload struct {
	Round                       Round
	ConsensusParentRoundTimestampMs int64
	ProposerTimestampMs         int64
}

// ProtocolUpdateBatchPayload carries a synthesized protocol-update batch.
type ProtocolUpdateBatchPayload struct {
	ProtocolVersion string
	BatchGroupIndex uint32
	BatchIndex      uint32
	FlashSubstates  []FlashSubstateWrite
}

// FlashSubstateWrite is one substate upsert/delete performed directly by a
// protocol-update flash batch, bypassing the Engine.
type FlashSubstateWrite struct {
	Key   SubstateKey
	Value *SubstateValue // nil means delete
}

// ToRaw serializes the transaction to its RawLedgerTransaction wire form.
// The encoding is intentionally simple (JSON payload wrapped by the
// versioned envelope) — the spec treats the Engine's executable encoding
// as opaque, so the state manager does not need a bespoke binary format
// for it.
func (t LedgerTransaction) ToRaw(codecEncode func(any) ([]byte, error)) (RawLedgerTransaction, error) {
	payload, err := codecEncode(t)
	if err != nil {
		return RawLedgerTransaction{}, fmt.Errorf("encode ledger transaction: %w", err)
	}
	return RawLedgerTransaction{Kind: t.Kind, EnvelopeVersion: 1, Payload: payload}, nil
}
