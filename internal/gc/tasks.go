package gc

import (
	stdlog "log"

	"github.com/ledgerstate/statemanager/internal/commitstore"
	"github.com/ledgerstate/statemanager/internal/log"
)

// Tasks bundles the two GC jobs against one commit store with their
// Prometheus counters, and exposes them as Scheduler-shaped funcs.
type Tasks struct {
	store   *commitstore.Store
	sht     SHTConfig
	proof   ProofConfig
	metrics *metrics
	logger  *stdlog.Logger
}

// NewTasks wires a Tasks against store. A nil logger gets this
// codebase's usual "[GC] " component-tagged default.
func NewTasks(store *commitstore.Store, sht SHTConfig, proof ProofConfig, logger *stdlog.Logger) *Tasks {
	if logger == nil {
		logger = log.New("GC")
	}
	return &Tasks{store: store, sht: sht, proof: proof, metrics: newMetrics(), logger: logger}
}

// RunSHTGC runs one SHT GC pass and records it in the package's metrics.
func (t *Tasks) RunSHTGC() error {
	deleted, err := RunSHTGC(t.store, t.sht)
	t.metrics.shtRunsTotal.Inc()
	t.metrics.shtNodesDeleted.Add(float64(deleted))
	if err != nil {
		t.logger.Printf("SHT GC run failed: %v", err)
		return err
	}
	if deleted > 0 {
		t.logger.Printf("SHT GC deleted %d stale nodes", deleted)
	}
	return nil
}

// RunLedgerProofGC runs one ledger-proof GC pass and records it in the
// package's metrics.
func (t *Tasks) RunLedgerProofGC() error {
	epochs, deleted, err := RunLedgerProofGC(t.store, t.proof)
	t.metrics.proofEpochsPruned.Add(float64(epochs))
	t.metrics.proofsDeleted.Add(float64(deleted))
	if err != nil {
		t.logger.Printf("ledger-proof GC run failed: %v", err)
		return err
	}
	if deleted > 0 {
		t.logger.Printf("ledger-proof GC pruned %d epochs, deleted %d proofs", epochs, deleted)
	}
	return nil
}
