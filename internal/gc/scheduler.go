package gc

import (
	"context"
	stdlog "log"
	"sync"
	"time"

	"github.com/ledgerstate/statemanager/internal/log"
)

// SchedulerState mirrors the teacher's batch.SchedulerState: a small,
// explicit state machine rather than a bare running bool, so Pause/Resume
// have somewhere to live.
type SchedulerState string

const (
	SchedulerStateStopped SchedulerState = "stopped"
	SchedulerStateRunning SchedulerState = "running"
	SchedulerStatePaused  SchedulerState = "paused"
)

// Task is one named unit of periodic background work (spec.md §5:
// "Background work (GC, mempool reevaluation, metrics) runs under a
// periodic scheduler: each task is single-threaded and invoked at a
// configured interval"). Run is never invoked concurrently with itself.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs any number of Tasks, each on its own ticker, generalizing
// the teacher's pkg/batch/scheduler.go (which hardcodes one on-cadence
// batch-closing timer) to an arbitrary task list. Start/Stop/Pause/Resume
// and the SchedulerState machine follow that file's shape directly.
type Scheduler struct {
	mu sync.RWMutex

	tasks  []Task
	logger *stdlog.Logger

	state  SchedulerState
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler builds a scheduler over tasks. A nil logger gets this
// codebase's usual "[GCScheduler] " component-tagged default.
func NewScheduler(tasks []Task, logger *stdlog.Logger) *Scheduler {
	if logger == nil {
		logger = log.New("GCScheduler")
	}
	return &Scheduler{tasks: tasks, logger: logger, state: SchedulerStateStopped}
}

// Start begins running every task on its own interval, in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SchedulerStateRunning {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{}, len(s.tasks))
	s.state = SchedulerStateRunning

	for _, task := range s.tasks {
		go s.runTask(ctx, task)
	}
	s.logger.Printf("scheduler started (%d tasks)", len(s.tasks))
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	defer func() { s.doneCh <- struct{}{} }()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			state := s.state
			s.mu.RUnlock()
			if state != SchedulerStateRunning {
				continue
			}
			if err := task.Run(ctx); err != nil {
				s.logger.Printf("task %q failed: %v", task.Name, err)
			}
		}
	}
}

// Stop halts every task and waits for their goroutines to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == SchedulerStateStopped {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.state = SchedulerStateStopped
	s.mu.Unlock()

	for range s.tasks {
		<-s.doneCh
	}
	s.logger.Println("scheduler stopped")
}

// Pause suspends task execution without tearing down the tickers; Resume
// reverses it. Ticks that land while paused are simply skipped, not
// queued, matching the teacher's scheduler.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SchedulerStateRunning {
		s.state = SchedulerStatePaused
	}
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SchedulerStatePaused {
		s.state = SchedulerStateRunning
	}
}

// State returns the scheduler's current state.
func (s *Scheduler) State() SchedulerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
