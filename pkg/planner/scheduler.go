package planner

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Runner executes one Task to completion. pkg/task implements this;
// planner never knows what a branch/compact/gc/... task actually
// does under the hood.
type Runner interface {
	Run(Task) error
}

// Scheduler is a fixed pool of goroutines pulling tasks from a
// round-robin over Planners, a ticker-driven shape generalized from
// one manager to N worker goroutines: a single worker loops, popping
// an idle worker from the pool, calling planner.Step, executing the
// selected task, then returning the worker to the pool.
type Scheduler struct {
	logger   zerolog.Logger
	runner   Runner
	interval time.Duration
	workers  int

	mu       sync.Mutex
	planners map[string]*Planner // keyed by database name

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SchedulerConfig configures a Scheduler's worker pool and polling interval.
type SchedulerConfig struct {
	Workers  int
	Interval time.Duration
}

// NewScheduler starts an idle scheduler with no databases registered
// yet; call Register for each database the env opens.
func NewScheduler(cfg SchedulerConfig, runner Runner, logger zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Scheduler{
		logger:   logger,
		runner:   runner,
		interval: cfg.Interval,
		workers:  cfg.Workers,
		planners: make(map[string]*Planner),
		stopCh:   make(chan struct{}),
	}
}

// Register adds db's planner to the round-robin. Safe to call after
// Start.
func (s *Scheduler) Register(db string, p *Planner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planners[db] = p
}

// Unregister drops db from the round-robin, e.g. on database close.
func (s *Scheduler) Unregister(db string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.planners, db)
}

// Start launches the worker pool. Each worker runs its own ticker
// loop; workers contend for tasks independently rather than sharing
// one dispatch queue, since a Planner's Begin already arbitrates
// "at most one task at a time per node" across them.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop signals every worker to exit and waits for them to drain
// ("Database close transitions status to SHUTDOWN_PENDING;
// the next scheduler pass drains in-flight tasks").
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce()
		case <-s.stopCh:
			return
		}
	}
}

// runOnce tries every registered database once, round-robin, running
// at most one task per database per pass.
func (s *Scheduler) runOnce() {
	s.mu.Lock()
	dbs := make([]string, 0, len(s.planners))
	ps := make([]*Planner, 0, len(s.planners))
	for db, p := range s.planners {
		dbs = append(dbs, db)
		ps = append(ps, p)
	}
	s.mu.Unlock()

	now := time.Now()
	for i, p := range ps {
		task, ok := p.Step(now)
		if !ok {
			continue
		}
		if !p.Begin(task) {
			continue
		}
		taskLogger := s.logger.With().Str("database", dbs[i]).Str("task_id", task.ID).
			Str("zone", task.Zone.String()).Uint64("node_id", task.NodeID).Logger()
		if err := s.runner.Run(task); err != nil {
			taskLogger.Error().Err(err).Msg("task failed")
		} else {
			taskLogger.Debug().Msg("task completed")
		}
		p.End(task)
	}
}
