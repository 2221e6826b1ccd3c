package mempool

import (
	"testing"
	"time"

	"github.com/ledgerstate/statemanager/internal/codec"
	"github.com/ledgerstate/statemanager/internal/execcache"
	"github.com/ledgerstate/statemanager/internal/types"
	"github.com/ledgerstate/statemanager/internal/validator"
)

type fakeLookup struct {
	committed map[types.IntentHash]types.StateVersion
}

func (f fakeLookup) GetStateVersionForIntentHash(hash types.IntentHash) (types.StateVersion, bool, error) {
	sv, ok := f.committed[hash]
	return sv, ok, nil
}

type fakeEngine struct {
	check validator.ExecutionCheck
}

func (f fakeEngine) ValidateExecution(tx types.RawLedgerTransaction, view execcache.ReadableSubstateStore, epoch types.Epoch) (validator.ExecutionCheck, error) {
	return f.check, nil
}

func newTestMempool(t *testing.T, cfg Config, accept bool, onRelay func(types.RawLedgerTransaction)) *Mempool {
	t.Helper()
	v := validator.New(fakeLookup{committed: map[types.IntentHash]types.StateVersion{}}, fakeEngine{check: validator.ExecutionCheck{FeeLoanRepaid: accept}}, validator.DefaultConfig())
	cached, err := validator.NewCached(v, 1024)
	if err != nil {
		t.Fatalf("new cached validator: %v", err)
	}
	return New(cached, cfg, onRelay)
}

func userTx(t *testing.T, seed string, startEpoch, endEpoch types.Epoch) types.RawLedgerTransaction {
	t.Helper()
	env := types.UserTransactionEnvelope{
		Identifiers: types.UserTransactionIdentifiers{
			IntentHash:    types.HashBytes([]byte("intent-" + seed)),
			NotarizedHash: types.HashBytes([]byte("notarized-" + seed)),
		},
		StartEpochInclusive: startEpoch,
		EndEpochExclusive:   endEpoch,
		SignatureCount:      1,
	}
	payload, err := codec.EncodeJSON(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return types.RawLedgerTransaction{Kind: types.KindUserV1, EnvelopeVersion: 1, Payload: payload}
}

func TestAddAcceptsAndIndexesByNotarizedAndIntentHash(t *testing.T) {
	m := newTestMempool(t, DefaultConfig(), true, nil)
	tx := userTx(t, "a", 1, 10)

	result := m.Add(tx, SourceLocalAPI, 5, nil, 2, 2, time.Unix(0, 0))
	if result.Outcome != AddAccepted {
		t.Fatalf("expected acceptance, got %+v", result)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", m.Len())
	}
}

func TestAddRejectsDuplicateByNotarizedHash(t *testing.T) {
	m := newTestMempool(t, DefaultConfig(), true, nil)
	tx := userTx(t, "a", 1, 10)

	m.Add(tx, SourceLocalAPI, 5, nil, 2, 2, time.Unix(0, 0))
	result := m.Add(tx, SourceLocalAPI, 5, nil, 2, 2, time.Unix(0, 0))
	if result.Outcome != AddDuplicate {
		t.Fatalf("expected duplicate, got %+v", result)
	}
	if m.Len() != 1 {
		t.Fatalf("expected duplicate to not grow the set, got %d", m.Len())
	}
}

func TestAddRejectsWhenCommittabilityFails(t *testing.T) {
	m := newTestMempool(t, DefaultConfig(), false, nil)
	tx := userTx(t, "a", 1, 10)

	result := m.Add(tx, SourceLocalAPI, 5, nil, 2, 2, time.Unix(0, 0))
	if result.Outcome != AddRejected {
		t.Fatalf("expected rejection, got %+v", result)
	}
	if m.Len() != 0 {
		t.Fatalf("expected rejected tx to not be admitted, got %d", m.Len())
	}
}

func TestAddPublishesRelayOnlyOnFirstLocalAdmission(t *testing.T) {
	relayed := 0
	m := newTestMempool(t, DefaultConfig(), true, func(types.RawLedgerTransaction) { relayed++ })
	tx := userTx(t, "a", 1, 10)

	m.Add(tx, SourceLocalAPI, 5, nil, 2, 2, time.Unix(0, 0))
	m.Add(tx, SourceLocalAPI, 5, nil, 2, 2, time.Unix(0, 0))
	if relayed != 1 {
		t.Fatalf("expected exactly one relay publish, got %d", relayed)
	}
}

func TestAddDoesNotPublishRelayForRelaySource(t *testing.T) {
	relayed := 0
	m := newTestMempool(t, DefaultConfig(), true, func(types.RawLedgerTransaction) { relayed++ })
	tx := userTx(t, "a", 1, 10)

	m.Add(tx, SourceRelay, 5, nil, 2, 2, time.Unix(0, 0))
	if relayed != 0 {
		t.Fatalf("expected no relay publish for a relay-sourced admission, got %d", relayed)
	}
}

func TestGetProposalTransactionsOrdersByPriorityDescending(t *testing.T) {
	m := newTestMempool(t, DefaultConfig(), true, nil)
	low := userTx(t, "low", 1, 10)
	high := userTx(t, "high", 1, 10)
	mid := userTx(t, "mid", 1, 10)

	m.Add(low, SourceLocalAPI, 1, nil, 2, 2, time.Unix(0, 0))
	m.Add(high, SourceLocalAPI, 100, nil, 2, 2, time.Unix(0, 1))
	m.Add(mid, SourceLocalAPI, 50, nil, 2, 2, time.Unix(0, 2))

	out := m.GetProposalTransactions(10, 1<<20, nil)
	if len(out) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(out))
	}
	if out[0].Hash() != high.Hash() || out[1].Hash() != mid.Hash() || out[2].Hash() != low.Hash() {
		t.Fatalf("expected descending priority order high,mid,low")
	}
}

func TestGetProposalTransactionsSkipsExcludeSet(t *testing.T) {
	m := newTestMempool(t, DefaultConfig(), true, nil)
	a := userTx(t, "a", 1, 10)
	b := userTx(t, "b", 1, 10)
	m.Add(a, SourceLocalAPI, 1, nil, 2, 2, time.Unix(0, 0))
	m.Add(b, SourceLocalAPI, 2, nil, 2, 2, time.Unix(0, 1))

	exclude := map[types.NotarizedTransactionHash]struct{}{
		types.HashBytes([]byte("notarized-b")): {},
	}
	out := m.GetProposalTransactions(10, 1<<20, exclude)
	if len(out) != 1 || out[0].Hash() != a.Hash() {
		t.Fatalf("expected only a, got %d results", len(out))
	}
}

func TestGetProposalTransactionsRespectsByteCap(t *testing.T) {
	m := newTestMempool(t, DefaultConfig(), true, nil)
	a := userTx(t, "a", 1, 10)
	b := userTx(t, "b", 1, 10)
	m.Add(a, SourceLocalAPI, 2, nil, 2, 2, time.Unix(0, 0))
	m.Add(b, SourceLocalAPI, 1, nil, 2, 2, time.Unix(0, 1))

	out := m.GetProposalTransactions(10, len(a.Encode()), nil)
	if len(out) != 1 || out[0].Hash() != a.Hash() {
		t.Fatalf("expected only the higher-priority transaction to fit, got %d", len(out))
	}
}

func TestEnforceCapsEvictsLowestPriorityFirst(t *testing.T) {
	m := newTestMempool(t, Config{MaxCount: 2, MaxBytes: 1 << 20}, true, nil)
	a := userTx(t, "a", 1, 10)
	b := userTx(t, "b", 1, 10)
	c := userTx(t, "c", 1, 10)

	m.Add(a, SourceLocalAPI, 10, nil, 2, 2, time.Unix(0, 0))
	m.Add(b, SourceLocalAPI, 20, nil, 2, 2, time.Unix(0, 1))
	result := m.Add(c, SourceLocalAPI, 30, nil, 2, 2, time.Unix(0, 2))

	if m.Len() != 2 {
		t.Fatalf("expected count cap to hold at 2, got %d", m.Len())
	}
	if len(result.Evicted) != 1 || result.Evicted[0] != types.HashBytes([]byte("notarized-a")) {
		t.Fatalf("expected lowest-priority entry a to be evicted, got %+v", result.Evicted)
	}
	if m.Contains(types.HashBytes([]byte("notarized-a"))) {
		t.Fatalf("expected a to have been evicted")
	}
}

func TestRemoveCommittedDropsByIntentHash(t *testing.T) {
	m := newTestMempool(t, DefaultConfig(), true, nil)
	a := userTx(t, "a", 1, 10)
	m.Add(a, SourceLocalAPI, 1, nil, 2, 2, time.Unix(0, 0))

	m.RemoveCommitted([]types.IntentHash{types.HashBytes([]byte("intent-a"))})
	if m.Len() != 0 {
		t.Fatalf("expected committed intent's transaction to be removed, got %d", m.Len())
	}
}

func TestRemoveRejectedDropsByNotarizedHash(t *testing.T) {
	m := newTestMempool(t, DefaultConfig(), true, nil)
	a := userTx(t, "a", 1, 10)
	m.Add(a, SourceLocalAPI, 1, nil, 2, 2, time.Unix(0, 0))

	m.RemoveRejected([]types.NotarizedTransactionHash{types.HashBytes([]byte("notarized-a"))})
	if m.Len() != 0 {
		t.Fatalf("expected rejected transaction to be removed, got %d", m.Len())
	}
}

func TestRemoveBeforeEpochDropsExpiredTransactions(t *testing.T) {
	m := newTestMempool(t, DefaultConfig(), true, nil)
	expiring := userTx(t, "expiring", 1, 5)
	fresh := userTx(t, "fresh", 1, 50)
	m.Add(expiring, SourceLocalAPI, 1, nil, 2, 2, time.Unix(0, 0))
	m.Add(fresh, SourceLocalAPI, 1, nil, 2, 2, time.Unix(0, 1))

	removed := m.RemoveBeforeEpoch(5)
	if len(removed) != 1 || removed[0] != types.HashBytes([]byte("notarized-expiring")) {
		t.Fatalf("expected only the expired transaction removed, got %+v", removed)
	}
	if m.Len() != 1 {
		t.Fatalf("expected the fresh transaction to remain, got %d", m.Len())
	}
}

func TestReevaluateCommittabilityRemovesNewlyPermanentRejections(t *testing.T) {
	m := newTestMempool(t, DefaultConfig(), true, nil)
	a := userTx(t, "a", 1, 10)
	m.Add(a, SourceLocalAPI, 1, nil, 2, 2, time.Unix(0, 0))

	m.validator.Forget(types.HashBytes([]byte("notarized-a")))

	structurallyBrokenEngine := fakeEngine{check: validator.ExecutionCheck{Rejection: &types.RejectionReason{Code: types.RejectRulesetViolation, Permanent: true}}}
	v := validator.New(fakeLookup{committed: map[types.IntentHash]types.StateVersion{}}, structurallyBrokenEngine, validator.DefaultConfig())
	cached, err := validator.NewCached(v, 16)
	if err != nil {
		t.Fatalf("new cached validator: %v", err)
	}
	m.validator = cached

	result := m.ReevaluateCommittability(10, 10, nil, 9, 9, time.Unix(0, 100))
	if len(result.RemovedRejected) != 1 {
		t.Fatalf("expected a to be removed as now-permanently-rejected, got %+v", result)
	}
	if m.Len() != 0 {
		t.Fatalf("expected the mempool to be empty after reevaluation, got %d", m.Len())
	}
}
