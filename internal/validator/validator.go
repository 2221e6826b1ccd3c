// Package validator implements the committability validator (spec.md
// §4.6, component C8): check_for_rejection takes a candidate user
// transaction and decides whether it is Ok to admit/keep in the mempool,
// or must be Reject(reason).
//
// Grounded on the teacher's pkg/execution/credit_checker.go for the
// cached-with-TTL record shape (a mutex-guarded struct tracking the last
// computed result plus when it was computed), generalized from a single
// cached balance to an LRU keyed by notarized_hash. Libraries:
// github.com/hashicorp/golang-lru/v2, already pulled in transitively by
// the teacher's go-ethereum dependency for exactly this kind of bounded
// cache.
package validator

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ledgerstate/statemanager/internal/codec"
	"github.com/ledgerstate/statemanager/internal/execcache"
	"github.com/ledgerstate/statemanager/internal/types"
)

// Engine runs a candidate transaction up to its fee-loan-repayment
// boundary (spec.md §4.6 step 4), without committing anything.
type Engine interface {
	ValidateExecution(tx types.RawLedgerTransaction, view execcache.ReadableSubstateStore, epoch types.Epoch) (ExecutionCheck, error)
}

// ExecutionCheck is what the Engine reports back from a dry run up to the
// fee-loan boundary.
type ExecutionCheck struct {
	FeeLoanRepaid bool
	Rejection     *types.RejectionReason
}

// Config is the current TransactionValidator configuration: the
// "transaction validator config" spec.md §5's concurrency model calls
// out as global mutable state, re-read after every protocol-update batch.
type Config struct {
	MaxPayloadSize    int
	MaxSignatureCount int
	// MaxEpochRange bounds end_epoch_exclusive - start_epoch_inclusive.
	MaxEpochRange types.Epoch
}

// DefaultConfig returns reasonable starting limits.
func DefaultConfig() Config {
	return Config{MaxPayloadSize: 1 << 20, MaxSignatureCount: 32, MaxEpochRange: 100}
}

// CommitLookup is the subset of commitstore.Store the validator needs to
// detect an already-committed intent (spec.md §4.6 step 2).
type CommitLookup interface {
	GetStateVersionForIntentHash(hash types.IntentHash) (types.StateVersion, bool, error)
}

// Validator is the uncached committability check: spec.md §4.6's
// five-step contract (structural parse, intent-committed lookup,
// config validation, fee-loan-boundary execution, classification).
type Validator struct {
	lookup CommitLookup
	engine Engine
	config Config
}

// New returns a Validator reading config at call time from cfg, so the
// caller can swap it after a protocol-update batch without reconstructing
// the validator.
func New(lookup CommitLookup, engine Engine, config Config) *Validator {
	return &Validator{lookup: lookup, engine: engine, config: config}
}

// SetConfig replaces the validator's configuration, for the re-read point
// spec.md §5 requires after a protocol-update batch.
func (v *Validator) SetConfig(config Config) { v.config = config }

// parseUserEnvelope decodes a UserV1/UserV2 payload's structural header.
// Only UserV1/UserV2 transactions are ever submitted to the mempool;
// every other LedgerTransactionKind is synthesized internally and never
// reaches check_for_rejection.
func parseUserEnvelope(raw types.RawLedgerTransaction, maxPayloadSize int) (types.UserTransactionEnvelope, *types.RejectionReason) {
	if !raw.Kind.IsUser() {
		return types.UserTransactionEnvelope{}, &types.RejectionReason{
			Code: types.RejectStructuralError, Permanent: true,
			Message: fmt.Sprintf("kind %s is not a user transaction", raw.Kind),
		}
	}
	if len(raw.Payload) > maxPayloadSize {
		return types.UserTransactionEnvelope{}, &types.RejectionReason{
			Code: types.RejectStructuralError, Permanent: true,
			Message: fmt.Sprintf("payload size %d exceeds max %d", len(raw.Payload), maxPayloadSize),
		}
	}
	var env types.UserTransactionEnvelope
	if err := codec.DecodeJSON(raw.Payload, &env); err != nil {
		return types.UserTransactionEnvelope{}, &types.RejectionReason{
			Code: types.RejectStructuralError, Permanent: true,
			Message: fmt.Sprintf("malformed transaction envelope: %v", err),
		}
	}
	return env, nil
}

// ParseEnvelope exposes the structural-parse step on its own, for callers
// (the mempool's add path) that need a transaction's identifiers before
// they can even ask whether it is committable.
func (v *Validator) ParseEnvelope(raw types.RawLedgerTransaction) (types.UserTransactionEnvelope, *types.RejectionReason) {
	return parseUserEnvelope(raw, v.config.MaxPayloadSize)
}

// validateAgainstConfig is spec.md §4.6 step 3: signature count and
// epoch-range rules against the current TransactionValidator config.
func validateAgainstConfig(env types.UserTransactionEnvelope, cfg Config, currentEpoch types.Epoch) *types.RejectionReason {
	if env.SignatureCount > cfg.MaxSignatureCount {
		return &types.RejectionReason{
			Code: types.RejectInvalidSignatureCount, Permanent: true,
			Message: fmt.Sprintf("signature count %d exceeds max %d", env.SignatureCount, cfg.MaxSignatureCount),
		}
	}
	if env.EndEpochExclusive <= env.StartEpochInclusive || env.EndEpochExclusive-env.StartEpochInclusive > cfg.MaxEpochRange {
		return &types.RejectionReason{
			Code: types.RejectEpochOutOfRange, Permanent: true,
			Message: "epoch range is empty or exceeds the configured maximum span",
		}
	}
	if currentEpoch < env.StartEpochInclusive {
		return &types.RejectionReason{
			Code: types.RejectEpochOutOfRange, Permanent: false,
			Message: fmt.Sprintf("not yet valid: current epoch %d < start epoch %d", currentEpoch, env.StartEpochInclusive),
		}
	}
	if currentEpoch >= env.EndEpochExclusive {
		return &types.RejectionReason{
			Code: types.RejectEpochOutOfRange, Permanent: true,
			Message: fmt.Sprintf("no longer valid: current epoch %d >= end epoch %d", currentEpoch, env.EndEpochExclusive),
		}
	}
	return nil
}

// CheckForRejection implements spec.md §4.6's five-step contract:
// structural parse, intent-hash-committed lookup, config validation,
// execution up to the fee-loan boundary, and result classification.
// A nil return means the transaction is currently commitable.
func (v *Validator) CheckForRejection(raw types.RawLedgerTransaction, view execcache.ReadableSubstateStore, currentEpoch types.Epoch) (*types.UserTransactionEnvelope, *types.RejectionReason) {
	env, reason := parseUserEnvelope(raw, v.config.MaxPayloadSize)
	if reason != nil {
		return nil, reason
	}

	if _, committed, err := v.lookup.GetStateVersionForIntentHash(env.Identifiers.IntentHash); err != nil {
		return nil, &types.RejectionReason{Code: types.RejectStructuralError, Permanent: false, Message: fmt.Sprintf("intent lookup failed: %v", err)}
	} else if committed {
		return nil, &types.RejectionReason{Code: types.RejectIntentAlreadyCommitted, Permanent: true, Message: "intent hash already committed"}
	}

	if reason := validateAgainstConfig(env, v.config, currentEpoch); reason != nil {
		return nil, reason
	}

	check, err := v.engine.ValidateExecution(raw, view, currentEpoch)
	if err != nil {
		return nil, &types.RejectionReason{Code: types.RejectExecutionFailure, Permanent: false, Message: err.Error()}
	}
	if check.Rejection != nil {
		return nil, check.Rejection
	}
	if !check.FeeLoanRepaid {
		return nil, &types.RejectionReason{Code: types.RejectFeeLoanNotRepaid, Permanent: false, Message: "execution did not reach fee loan repayment"}
	}
	return &env, nil
}

// Attempt records one check_for_rejection run's outcome against a
// specific committed state.
type Attempt struct {
	Rejection   *types.RejectionReason
	AgainstVersion types.StateVersion
	Timestamp   time.Time
}

// PendingRecord is the cached state tracked per notarized_hash, per
// spec.md §4.6: "stores PendingTransactionRecord = { latest_attempt,
// invalid_from_epoch }".
type PendingRecord struct {
	LatestAttempt    Attempt
	InvalidFromEpoch types.Epoch
}

// temporaryRejectionTTL bounds how long a temporary rejection is trusted
// before the cache forces a recomputation, mirroring the teacher's
// credit-balance cache TTL shape applied to rejection records instead.
const temporaryRejectionTTL = 500 * time.Millisecond

// shouldRecalculate reports whether a cached record is stale enough that
// CachedValidator must re-run CheckForRejection rather than serve it.
func (r PendingRecord) shouldRecalculate(currentEpoch types.Epoch, now time.Time) bool {
	if currentEpoch >= r.InvalidFromEpoch {
		return true
	}
	if r.LatestAttempt.Rejection == nil {
		return false
	}
	if r.LatestAttempt.Rejection.Permanent {
		return false
	}
	return now.After(r.LatestAttempt.Timestamp.Add(temporaryRejectionTTL))
}

// CachedValidator wraps Validator with an LRU, keyed by notarized_hash,
// per spec.md §4.6's "cached validator" wrapper. Recomputation is gated
// by shouldRecalculate unless the caller forces it.
type CachedValidator struct {
	inner *Validator
	cache *lru.Cache[types.NotarizedTransactionHash, PendingRecord]
}

// NewCached wraps validator with an LRU of the given capacity.
func NewCached(validator *Validator, capacity int) (*CachedValidator, error) {
	cache, err := lru.New[types.NotarizedTransactionHash, PendingRecord](capacity)
	if err != nil {
		return nil, fmt.Errorf("validator: new pending-transaction cache: %w", err)
	}
	return &CachedValidator{inner: validator, cache: cache}, nil
}

// CheckForRejectionCached returns the cached record if it is still fresh,
// else recomputes the record, stores it in the cache and returns it.
func (c *CachedValidator) CheckForRejectionCached(
	raw types.RawLedgerTransaction,
	notarizedHash types.NotarizedTransactionHash,
	view execcache.ReadableSubstateStore,
	currentEpoch types.Epoch,
	currentVersion types.StateVersion,
	force bool,
	now time.Time,
) PendingRecord {
	if !force {
		if record, ok := c.cache.Get(notarizedHash); ok && !record.shouldRecalculate(currentEpoch, now) {
			return record
		}
	}

	_, reason := c.inner.CheckForRejection(raw, view, currentEpoch)

	invalidFromEpoch := currentEpoch + 1
	if env, parseErr := parseUserEnvelope(raw, c.inner.config.MaxPayloadSize); parseErr == nil {
		invalidFromEpoch = env.EndEpochExclusive
	}

	record := PendingRecord{
		LatestAttempt: Attempt{
			Rejection:      reason,
			AgainstVersion: currentVersion,
			Timestamp:      now,
		},
		InvalidFromEpoch: invalidFromEpoch,
	}
	c.cache.Add(notarizedHash, record)
	return record
}

// Forget drops any cached record for notarizedHash, used once its
// intent commits or the mempool drops it outright.
func (c *CachedValidator) Forget(notarizedHash types.NotarizedTransactionHash) {
	c.cache.Remove(notarizedHash)
}

// Peek returns the cached record for notarizedHash without affecting its
// LRU recency, if present.
func (c *CachedValidator) Peek(notarizedHash types.NotarizedTransactionHash) (PendingRecord, bool) {
	return c.cache.Peek(notarizedHash)
}

// ParseEnvelope delegates to the wrapped Validator's structural parse.
func (c *CachedValidator) ParseEnvelope(raw types.RawLedgerTransaction) (types.UserTransactionEnvelope, *types.RejectionReason) {
	return c.inner.ParseEnvelope(raw)
}
