package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/pkg/schema"
)

// WorkflowRunner is the interface the scheduler uses to run a workflow
// from its spec file. Satisfied by the CLI's run pipeline (avoids an
// import cycle with the engine wiring).
type WorkflowRunner interface {
	RunSource(ctx context.Context, source string) (schema.RunStatus, error)
}

// TickInterval is the polling period of the schedule loop.
const TickInterval = 60 * time.Second

// Scheduler polls the store for due scheduled workflows and runs them.
type Scheduler struct {
	store  store.Store
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// New creates a Scheduler over the given store and runner.
func New(s store.Store, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// ParseCron validates a cron expression against the five-field grammar the
// scheduler runs with. Used by spec validation so bad schedules are
// rejected at load time.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %v", expr, err).WithCause(err)
	}
	return sched, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", TickInterval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all enabled schedules and runs those that are due.
// Exported so the CLI's one-shot mode can drive it directly.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	scheds, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("list schedules failed", "error", err.Error())
		return
	}

	now := time.Now().UTC()
	for _, sched := range scheds {
		if sched.NextRunAt == nil || !sched.NextRunAt.After(now) {
			if !s.tryAcquire(sched.ID) {
				continue // previous run still in flight
			}
			if err := s.runSchedule(ctx, sched, now); err != nil {
				s.logger.Error("scheduled run failed",
					"schedule_id", sched.ID,
					"workflow", sched.WorkflowName,
					"error", err.Error(),
				)
			}
			s.release(sched.ID)
		}
	}
}

// runSchedule executes one due schedule and advances its timestamps.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.ScheduledWorkflow, now time.Time) error {
	s.logger.Info("running scheduled workflow",
		"schedule_id", sched.ID,
		"workflow", sched.WorkflowName,
		"source", sched.Source,
	)

	status, err := s.runner.RunSource(ctx, sched.Source)
	result := string(status)
	if err != nil {
		result = "error"
		s.logger.Error("scheduled workflow execution failed",
			"schedule_id", sched.ID,
			"error", err.Error(),
		)
	}

	return s.advance(ctx, sched, now, result)
}

func (s *Scheduler) advance(ctx context.Context, sched *store.ScheduledWorkflow, now time.Time, status string) error {
	nextRun, err := s.NextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}

	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the schedule in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs schedules whose next_run_at passed while the
// scheduler was down, once each, then advances them.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	scheds, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sched := range scheds {
		if sched.NextRunAt != nil && sched.NextRunAt.Before(now) {
			if !s.tryAcquire(sched.ID) {
				continue
			}
			if err := s.runSchedule(ctx, sched, now); err != nil {
				s.logger.Error("recover missed schedule failed",
					"schedule_id", sched.ID,
					"error", err.Error(),
				)
				s.release(sched.ID)
				continue
			}
			s.release(sched.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", "count", recovered)
	}
	return nil
}
