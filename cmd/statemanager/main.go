// Command statemanager wires the state manager's components into a
// running process: load configuration, open the store, start the GC
// scheduler and the optional Postgres index sink, and serve a health
// endpoint — the same overall shape as the teacher's main.go (flag
// parsing, a health-status struct fed by each component's startup
// outcome, an HTTP mux, signal-driven graceful shutdown), with the
// teacher's Ethereum/Accumulate/Firestore integrations dropped since
// this domain has no equivalent externally-anchored settlement layer.
//
// Block production itself — driving SeriesExecutor across a batch of
// transactions proposed by consensus — is driven by the BFT layer this
// repository does not implement (spec.md §1 Non-goals); this command
// brings up everything consensus calls into: the mempool, the
// committability validator, the protocol-update runner, and GC.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ledgerstate/statemanager/internal/commitstore"
	"github.com/ledgerstate/statemanager/internal/config"
	"github.com/ledgerstate/statemanager/internal/execcache"
	"github.com/ledgerstate/statemanager/internal/executor"
	"github.com/ledgerstate/statemanager/internal/gc"
	"github.com/ledgerstate/statemanager/internal/index"
	stlog "github.com/ledgerstate/statemanager/internal/log"
	"github.com/ledgerstate/statemanager/internal/mempool"
	"github.com/ledgerstate/statemanager/internal/protocolupdate"
	"github.com/ledgerstate/statemanager/internal/types"
	"github.com/ledgerstate/statemanager/internal/validator"
)

// passthroughEngine is a stand-in for the Engine the real node embeds
// (spec.md §1 treats transaction execution semantics as opaque and out
// of scope). It always reports an empty, successful receipt, which is
// enough to exercise the validator/mempool/executor/protocol-update
// wiring end to end without pulling in an actual Scrypto/Radix Engine.
type passthroughEngine struct{}

var (
	_ validator.Engine = passthroughEngine{}
	_ executor.Engine  = passthroughEngine{}
)

func (passthroughEngine) ValidateExecution(tx types.RawLedgerTransaction, view execcache.ReadableSubstateStore, epoch types.Epoch) (validator.ExecutionCheck, error) {
	return validator.ExecutionCheck{FeeLoanRepaid: true}, nil
}

func (passthroughEngine) Execute(tx types.RawLedgerTransaction, view execcache.ReadableSubstateStore) (types.LedgerTransactionReceipt, error) {
	return types.LedgerTransactionReceipt{Outcome: types.OutcomeSuccess}, nil
}

// componentStatus tracks startup/runtime health the way the teacher's
// HealthStatus does, narrowed to the components this node actually has.
type componentStatus struct {
	mu      sync.RWMutex
	Store   string `json:"store"`
	Index   string `json:"index"`
	GC      string `json:"gc"`
	started time.Time
}

func newComponentStatus() *componentStatus {
	return &componentStatus{Store: "unknown", Index: "disabled", GC: "unknown", started: time.Now()}
}

func (c *componentStatus) set(field *string, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*field = value
}

func (c *componentStatus) snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"store":          c.Store,
		"index":          c.Index,
		"gc":             c.GC,
		"uptime_seconds": int64(time.Since(c.started).Seconds()),
	}
}

func printHelp() {
	fmt.Println("statemanager runs the ledger state manager node core.")
	fmt.Println()
	flag.PrintDefaults()
}

func main() {
	log := stlog.New("main")

	var (
		configPath = flag.String("config", "node.yaml", "path to the node's YAML configuration file")
		showHelp   = flag.Bool("help", false, "show help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	log.Printf("loading configuration from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	status := newComponentStatus()

	db, err := cfg.Store.Open()
	if err != nil {
		log.Fatalf("open store (engine=%s): %v", cfg.Store.Engine, err)
	}
	status.set(&status.Store, "connected")
	log.Printf("store opened: engine=%s dir=%s", cfg.Store.Engine, cfg.Store.Dir)

	store := commitstore.New(db)
	engine := passthroughEngine{}

	cachedValidator, err := validator.NewCached(
		validator.New(store, engine, cfg.ValidatorConfig()),
		4096,
	)
	if err != nil {
		log.Fatalf("build cached validator: %v", err)
	}

	mp := mempool.New(cachedValidator, cfg.MempoolConfig(), func(tx types.RawLedgerTransaction) {
		log.Printf("relaying transaction %s to consensus", tx.Hash())
	})
	log.Printf("mempool ready (%d transactions carried over)", mp.Len())

	protocolRunner := protocolupdate.New(store, engine)
	if lastEnacted, err := protocolRunner.ResumeProtocolUpdate(nil, time.Now().UnixMilli()); err != nil {
		log.Fatalf("resume protocol update: %v", err)
	} else if lastEnacted != nil {
		log.Printf("resumed and enacted protocol update batches up to version %s", *lastEnacted)
	}

	var idx *index.Store
	if cfg.Index.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		idx, err = index.Open(ctx, index.DefaultConfig(cfg.Index.DatabaseURL))
		cancel()
		if err != nil {
			log.Printf("index sink connection failed, continuing without it: %v", err)
			status.set(&status.Index, "disconnected")
		} else if err := idx.Migrate(context.Background()); err != nil {
			log.Printf("index sink migration failed: %v", err)
			status.set(&status.Index, "disconnected")
			idx.Close()
			idx = nil
		} else {
			status.set(&status.Index, "connected")
			log.Printf("index sink connected")
		}
	}

	tasks := gc.NewTasks(store, cfg.GC.SHTConfig(), cfg.GC.ProofConfig(), stlog.New("GC"))
	scheduler := gc.NewScheduler([]gc.Task{
		{Name: "state-hash-tree-gc", Interval: cfg.GC.SHTInterval.Duration(), Run: func(context.Context) error { return tasks.RunSHTGC() }},
		{Name: "ledger-proof-gc", Interval: cfg.GC.ProofInterval.Duration(), Run: func(context.Context) error { return tasks.RunLedgerProofGC() }},
	}, stlog.New("GCScheduler"))

	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)
	status.set(&status.GC, "running")
	log.Printf("GC scheduler started (sht_interval=%s, proof_interval=%s)", cfg.GC.SHTInterval.Duration(), cfg.GC.ProofInterval.Duration())

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status.snapshot())
	})

	httpServer := &http.Server{Addr: "127.0.0.1:8080", Handler: mux}
	go func() {
		log.Printf("health endpoint listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("health endpoint: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down")
	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("health endpoint shutdown error: %v", err)
	}
	if idx != nil {
		idx.Close()
	}

	log.Printf("shutdown complete")
}
