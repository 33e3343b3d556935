package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/example/dts/internal/storage/sqlite"
)

// Config is the scheduler loop's runtime configuration (spec.md §4.4).
type Config struct {
	MaxConcurrentTasks int
	SchedTickMS        int
	LeaseMS            int64
	MaxAttempts        int
	RecoveryIntervalMS int64
	ClaimBatchSize     int
}

// Scheduler periodically claims runnable tasks from the Repository, up
// to a DB-derived capacity, and dispatches them to a bounded worker
// pool. A ticker drives the main loop (the teacher's daemon event loop
// structures its own periodic work the same way); a weighted semaphore
// sized to MaxConcurrentTasks is the Go analogue of the original's
// ThreadPoolExecutor(max_workers=...) — a second, in-process cap that
// holds even if two ticks race on the DB-derived capacity check.
type Scheduler struct {
	repo *sqlite.Repository
	cfg  Config
	log  *slog.Logger

	worker *Worker
	sem    *semaphore.Weighted

	stop     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewScheduler(repo *sqlite.Repository, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 50
	}
	if cfg.RecoveryIntervalMS <= 0 {
		cfg.RecoveryIntervalMS = 5000
	}
	return &Scheduler{
		repo:   repo,
		cfg:    cfg,
		log:    log,
		worker: NewWorker(repo, log),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs an initial recovery pass, then launches the scheduler
// loop in a background goroutine. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("starting scheduler",
		"max_concurrent", s.cfg.MaxConcurrentTasks,
		"tick_ms", s.cfg.SchedTickMS,
		"lease_ms", s.cfg.LeaseMS,
	)
	s.runRecovery(ctx)

	go s.runLoop(ctx)
}

// Stop signals the loop to exit and waits up to 5s for it to notice.
// In-flight task executions are not cancelled: they continue running
// and will reach a terminal state on their own, matching spec.md §9's
// "in-flight work is not aborted on shutdown."
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		s.log.Info("scheduler stopped")
	case <-time.After(5 * time.Second):
		s.log.Warn("scheduler loop did not exit within shutdown timeout")
	}
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.done)

	tick := time.NewTicker(time.Duration(s.cfg.SchedTickMS) * time.Millisecond)
	defer tick.Stop()

	recovery := time.NewTicker(time.Duration(s.cfg.RecoveryIntervalMS) * time.Millisecond)
	defer recovery.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-recovery.C:
			s.runRecovery(ctx)
		case <-tick.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) runRecovery(ctx context.Context) {
	requeued, failed, err := s.repo.RecoverStaleRunning(ctx, nowMS(), s.cfg.MaxAttempts)
	if err != nil {
		s.log.Error("recovery pass failed", "error", err)
		return
	}
	recordRecovery(ctx, requeued, failed)
	if requeued > 0 || failed > 0 {
		s.log.Info("recovery pass", "requeued", requeued, "failed", failed)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	t0 := time.Now()
	defer func() {
		recordTickDuration(ctx, float64(time.Since(t0).Microseconds())/1000.0)
	}()

	now := nowMS()
	running, err := s.repo.CountRunningLeased(ctx, now)
	if err != nil {
		s.log.Error("count running leased failed", "error", err)
		return
	}

	slots := s.cfg.MaxConcurrentTasks - running
	if slots <= 0 {
		return
	}
	limit := slots
	if limit > s.cfg.ClaimBatchSize {
		limit = s.cfg.ClaimBatchSize
	}

	claimed, err := s.repo.ClaimRunnableTasks(ctx, now, s.cfg.LeaseMS, limit)
	if err != nil {
		s.log.Error("claim runnable tasks failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	recordClaimed(ctx, int64(len(claimed)))
	s.log.Info("claimed tasks", "count", len(claimed), "running", running, "slots", slots)

	for _, job := range claimed {
		job := job
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// ctx cancelled while waiting for a slot; remaining claimed
			// tasks stay RUNNING and are picked up by lease recovery.
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.worker.Run(context.Background(), job)
		}()
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }
