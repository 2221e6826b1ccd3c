package gc

import "github.com/prometheus/client_golang/prometheus"

// metrics are internal counters/gauges for the GC tasks (spec.md §4.9).
// They are registered against a package-owned registry rather than the
// global default one and are never exposed over HTTP — the metrics
// exposition surface is out of scope (spec.md §1) — but keeping real
// counters lets a caller that does wire up an exporter (or a test) read
// them back without threading extra plumbing through every GC call.
type metrics struct {
	registry *prometheus.Registry

	shtNodesDeleted   prometheus.Counter
	shtRunsTotal      prometheus.Counter
	proofsDeleted     prometheus.Counter
	proofEpochsPruned prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		shtNodesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statemanager_gc_sht_nodes_deleted_total",
			Help: "State hash tree nodes deleted by the SHT GC task.",
		}),
		shtRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statemanager_gc_sht_runs_total",
			Help: "Number of times the SHT GC task has run.",
		}),
		proofsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statemanager_gc_ledger_proofs_deleted_total",
			Help: "Ledger proofs deleted by the ledger-proof GC task.",
		}),
		proofEpochsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statemanager_gc_ledger_proof_epochs_pruned_total",
			Help: "Epochs the ledger-proof GC task has finished pruning.",
		}),
	}
	m.registry.MustRegister(m.shtNodesDeleted, m.shtRunsTotal, m.proofsDeleted, m.proofEpochsPruned)
	return m
}

// Registry exposes the package-owned Prometheus registry, for a caller
// that wants to serve it itself.
func (t *Tasks) Registry() *prometheus.Registry { return t.metrics.registry }
