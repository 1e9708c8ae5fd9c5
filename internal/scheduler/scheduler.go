// Package scheduler wraps robfig/cron/v3 with a single-flight guard:
// each job is mutually exclusive against itself via a per-job in-flight
// flag (the per-run id only tags log lines), while distinct jobs may interleave with each
// other as long as each obeys its own sync-first discipline. Built
// around cron.New and a small Job interface, with a per-job mutex so a
// tick that lands mid-run is skipped rather than queued or run
// concurrently.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadengine/internal/metrics"
)

// Job is one cron-scheduled unit of work. Name identifies it in logs
// and metrics; Run executes one invocation.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages the engine's cron-driven cycle entry points.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New creates a Scheduler logging through log.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		log:     log.With().Str("component", "scheduler").Logger(),
		running: make(map[string]bool),
	}
}

// Start begins executing registered jobs on their cron schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop waits for in-flight jobs to finish and halts the cron driver.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers job on the given standard 5-field cron schedule. A
// job invocation that is still running when its next tick fires is
// skipped rather than run concurrently with itself; this does not
// block other jobs' ticks.
func (s *Scheduler) AddJob(schedule string, job Job) (cron.EntryID, error) {
	return s.cron.AddFunc(schedule, func() {
		s.runOnce(job)
	})
}

// RunNow executes job immediately, outside its cron schedule, subject
// to the same single-flight guard (used for the initial run-on-start
// per cycle).
func (s *Scheduler) RunNow(job Job) {
	s.runOnce(job)
}

func (s *Scheduler) runOnce(job Job) {
	name := job.Name()

	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.log.Warn().Str("job", name).Msg("previous run still in flight, skipping this tick")
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[name] = false
		s.mu.Unlock()
	}()

	runID := uuid.NewString()
	start := time.Now()
	logger := s.log.With().Str("job", name).Str("run_id", runID).Logger()
	logger.Debug().Msg("cycle starting")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
	defer cancel()

	err := job.Run(ctx)
	elapsed := time.Since(start)
	metrics.ObserveCycle(name, elapsed.Seconds())
	if err != nil {
		metrics.IncCycleFailure(name)
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("cycle failed")
		return
	}
	logger.Debug().Dur("elapsed", elapsed).Msg("cycle completed")
}
