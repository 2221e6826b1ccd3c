package types

// Outcome is the high-level success/failure classification of an executed
// transaction.
type Outcome byte

const (
	OutcomeSuccess Outcome = 1
	OutcomeFailure Outcome = 2
)

// SubstateUpsert is one write performed by a transaction's execution.
type SubstateUpsert struct {
	Key   SubstateKey
	Value SubstateValue
}

// SubstateDelete is one deletion performed by a transaction's execution.
type SubstateDelete struct {
	Key SubstateKey
}

// DatabaseUpdates is the deterministic set of substate writes and deletes
// produced by one transaction's execution, as returned by the Engine.
type DatabaseUpdates struct {
	Upserts []SubstateUpsert
	Deletes []SubstateDelete
}

// IsEmpty reports whether the update set touches no substates.
func (d DatabaseUpdates) IsEmpty() bool { return len(d.Upserts) == 0 && len(d.Deletes) == 0 }

// FeeSummary records the fee accounting for one transaction's execution.
type FeeSummary struct {
	TotalExecutionCostUnits uint64
	TotalTippingCostUnits   uint64
	TotalFeeCharged         uint64
	FeeLoanRepaid           bool
}

// EpochChangeEvent is emitted by the Engine when a transaction ends an
// epoch; it is how the series executor (C6) detects an epoch boundary.
type EpochChangeEvent struct {
	NextEpoch Epoch
}

// ProtocolUpdateSignal is emitted by the Engine when a transaction makes a
// protocol update enactable at this state version.
type ProtocolUpdateSignal struct {
	NextProtocolVersion string
}

// LedgerTransactionReceipt is the full result of executing one ledger
// transaction.
type LedgerTransactionReceipt struct {
	Outcome         Outcome
	FailureReason   string // meaningful only when Outcome == OutcomeFailure
	StateChanges    DatabaseUpdates
	Events          []byte // opaque, SBOR/JSON-encoded event log; not interpreted here
	Logs            []string
	Fee             FeeSummary
	NextEpoch       *EpochChangeEvent
	NextProtocolVersion *ProtocolUpdateSignal
}

// Hash returns the receipt-tree leaf hash for this receipt: a content
// hash over everything except timestamps (there are none in the receipt
// itself, so this is simply a hash of the canonical encoding supplied by
// the caller).
func (r LedgerTransactionReceipt) Hash(encode func(any) ([]byte, error)) (Hash32, error) {
	b, err := encode(r)
	if err != nil {
		return Hash32{}, err
	}
	return HashBytes(b), nil
}
