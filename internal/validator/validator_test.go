package validator

import (
	"testing"
	"time"

	"github.com/ledgerstate/statemanager/internal/codec"
	"github.com/ledgerstate/statemanager/internal/execcache"
	"github.com/ledgerstate/statemanager/internal/types"
)

type fakeLookup struct {
	committed map[types.IntentHash]types.StateVersion
}

func (f fakeLookup) GetStateVersionForIntentHash(hash types.IntentHash) (types.StateVersion, bool, error) {
	sv, ok := f.committed[hash]
	return sv, ok, nil
}

type fakeEngine struct {
	check ExecutionCheck
	err   error
}

func (f fakeEngine) ValidateExecution(tx types.RawLedgerTransaction, view execcache.ReadableSubstateStore, epoch types.Epoch) (ExecutionCheck, error) {
	return f.check, f.err
}

func userTx(t *testing.T, startEpoch, endEpoch types.Epoch, sigCount int) (types.RawLedgerTransaction, types.NotarizedTransactionHash) {
	t.Helper()
	notarizedHash := types.HashBytes([]byte("notarized"))
	env := types.UserTransactionEnvelope{
		Identifiers: types.UserTransactionIdentifiers{
			IntentHash:    types.HashBytes([]byte("intent")),
			NotarizedHash: notarizedHash,
		},
		StartEpochInclusive: startEpoch,
		EndEpochExclusive:   endEpoch,
		SignatureCount:      sigCount,
	}
	payload, err := codec.EncodeJSON(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return types.RawLedgerTransaction{Kind: types.KindUserV1, EnvelopeVersion: 1, Payload: payload}, notarizedHash
}

func TestCheckForRejectionAcceptsCommitableTransaction(t *testing.T) {
	raw, _ := userTx(t, 1, 10, 1)
	v := New(fakeLookup{committed: map[types.IntentHash]types.StateVersion{}}, fakeEngine{check: ExecutionCheck{FeeLoanRepaid: true}}, DefaultConfig())

	env, reason := v.CheckForRejection(raw, nil, 5)
	if reason != nil {
		t.Fatalf("expected acceptance, got rejection: %+v", reason)
	}
	if env == nil || env.Identifiers.NotarizedHash == (types.Hash32{}) {
		t.Fatalf("expected parsed envelope with identifiers, got %+v", env)
	}
}

func TestCheckForRejectionRejectsAlreadyCommittedIntent(t *testing.T) {
	raw, _ := userTx(t, 1, 10, 1)
	intentHash := types.HashBytes([]byte("intent"))
	v := New(fakeLookup{committed: map[types.IntentHash]types.StateVersion{intentHash: 3}}, fakeEngine{check: ExecutionCheck{FeeLoanRepaid: true}}, DefaultConfig())

	_, reason := v.CheckForRejection(raw, nil, 5)
	if reason == nil || reason.Code != types.RejectIntentAlreadyCommitted || !reason.Permanent {
		t.Fatalf("expected permanent IntentAlreadyCommitted rejection, got %+v", reason)
	}
}

func TestCheckForRejectionClassifiesFutureEpochAsTemporary(t *testing.T) {
	raw, _ := userTx(t, 10, 20, 1)
	v := New(fakeLookup{committed: map[types.IntentHash]types.StateVersion{}}, fakeEngine{check: ExecutionCheck{FeeLoanRepaid: true}}, DefaultConfig())

	_, reason := v.CheckForRejection(raw, nil, 1)
	if reason == nil || reason.Code != types.RejectEpochOutOfRange || reason.Permanent {
		t.Fatalf("expected temporary EpochOutOfRange rejection, got %+v", reason)
	}
}

func TestCheckForRejectionClassifiesElapsedEpochAsPermanent(t *testing.T) {
	raw, _ := userTx(t, 1, 5, 1)
	v := New(fakeLookup{committed: map[types.IntentHash]types.StateVersion{}}, fakeEngine{check: ExecutionCheck{FeeLoanRepaid: true}}, DefaultConfig())

	_, reason := v.CheckForRejection(raw, nil, 9)
	if reason == nil || reason.Code != types.RejectEpochOutOfRange || !reason.Permanent {
		t.Fatalf("expected permanent EpochOutOfRange rejection, got %+v", reason)
	}
}

func TestCheckForRejectionClassifiesFeeLoanUnpaidAsTemporary(t *testing.T) {
	raw, _ := userTx(t, 1, 10, 1)
	v := New(fakeLookup{committed: map[types.IntentHash]types.StateVersion{}}, fakeEngine{check: ExecutionCheck{FeeLoanRepaid: false}}, DefaultConfig())

	_, reason := v.CheckForRejection(raw, nil, 5)
	if reason == nil || reason.Code != types.RejectFeeLoanNotRepaid || reason.Permanent {
		t.Fatalf("expected temporary FeeLoanNotRepaid rejection, got %+v", reason)
	}
}

func TestCachedValidatorServesFreshRecordWithoutRecomputing(t *testing.T) {
	raw, notarizedHash := userTx(t, 1, 10, 1)
	calls := 0
	engine := countingEngine{check: ExecutionCheck{FeeLoanRepaid: true}, calls: &calls}
	v := New(fakeLookup{committed: map[types.IntentHash]types.StateVersion{}}, engine, DefaultConfig())
	cached, err := NewCached(v, 16)
	if err != nil {
		t.Fatalf("new cached validator: %v", err)
	}

	now := time.Unix(1000, 0)
	r1 := cached.CheckForRejectionCached(raw, notarizedHash, nil, 5, 5, false, now)
	if calls != 1 {
		t.Fatalf("expected first call to recompute, calls=%d", calls)
	}
	if r1.LatestAttempt.Rejection != nil {
		t.Fatalf("expected acceptance, got %+v", r1.LatestAttempt.Rejection)
	}

	r2 := cached.CheckForRejectionCached(raw, notarizedHash, nil, 5, 5, false, now.Add(10*time.Millisecond))
	if calls != 1 {
		t.Fatalf("expected cached record to be served without recomputing, calls=%d", calls)
	}
	if r2.LatestAttempt.Timestamp != r1.LatestAttempt.Timestamp {
		t.Fatalf("expected the same cached attempt to be returned")
	}
}

func TestCachedValidatorRecomputesAfterEpochAdvancesPastInvalidFrom(t *testing.T) {
	raw, notarizedHash := userTx(t, 1, 6, 1)
	calls := 0
	engine := countingEngine{check: ExecutionCheck{FeeLoanRepaid: true}, calls: &calls}
	v := New(fakeLookup{committed: map[types.IntentHash]types.StateVersion{}}, engine, DefaultConfig())
	cached, err := NewCached(v, 16)
	if err != nil {
		t.Fatalf("new cached validator: %v", err)
	}

	now := time.Unix(2000, 0)
	cached.CheckForRejectionCached(raw, notarizedHash, nil, 5, 5, false, now)
	if calls != 1 {
		t.Fatalf("expected first call to recompute, calls=%d", calls)
	}

	r2 := cached.CheckForRejectionCached(raw, notarizedHash, nil, 6, 6, false, now.Add(time.Millisecond))
	if !r2.LatestAttempt.Timestamp.Equal(now.Add(time.Millisecond)) || r2.LatestAttempt.Rejection == nil || r2.LatestAttempt.Rejection.Code != types.RejectEpochOutOfRange {
		t.Fatalf("expected a fresh epoch-out-of-range attempt once current epoch reaches invalid_from_epoch, got %+v", r2.LatestAttempt)
	}
}

type countingEngine struct {
	check ExecutionCheck
	calls *int
}

func (c countingEngine) ValidateExecution(tx types.RawLedgerTransaction, view execcache.ReadableSubstateStore, epoch types.Epoch) (ExecutionCheck, error) {
	*c.calls++
	return c.check, nil
}
