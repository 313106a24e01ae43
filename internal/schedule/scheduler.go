// Package schedule re-runs saved plans on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/history"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// PlanRunner is the interface the scheduler uses to execute plans.
// Satisfied by the engine (avoids import cycle).
type PlanRunner interface {
	RunSubPlan(ctx context.Context, plan *schema.Plan, vars map[string]any) (*schema.Summary, error)
}

// fieldParser accepts the classic five-field cron syntax, no descriptors.
var fieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks a cron expression against the syntax the scheduler
// runs, so a schedule is rejected at save time rather than at its first tick.
func ValidateCron(expr string) error {
	if _, err := fieldParser.Parse(expr); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return nil
}

// Scheduler polls the history store for due scheduled plans and runs them.
type Scheduler struct {
	store  *history.Store
	runner PlanRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled plan IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(store *history.Store, runner PlanRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		parser:   fieldParser,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
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
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled scheduled plans and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	plans, err := s.store.ListScheduledPlans(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled plans", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sp := range plans {
		due, err := s.isDue(sp, now)
		if err != nil {
			s.logger.Error("bad cron expression",
				slog.String("schedule_id", sp.ID), slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(sp.ID) {
			continue // already running (dedup)
		}
		s.runScheduled(ctx, sp, now)
		s.release(sp.ID)
	}
}

// isDue reports whether the next firing after the last run is in the past.
func (s *Scheduler) isDue(sp *history.ScheduledPlan, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(sp.CronExpr)
	if err != nil {
		return false, err
	}
	anchor := sp.CreatedAt
	if sp.LastRunAt != nil {
		anchor = *sp.LastRunAt
	}
	return !schedule.Next(anchor).After(now), nil
}

// runScheduled parses the saved document and re-executes it.
func (s *Scheduler) runScheduled(ctx context.Context, sp *history.ScheduledPlan, now time.Time) {
	s.logger.Info("running scheduled plan",
		slog.String("schedule_id", sp.ID), slog.String("name", sp.Name))

	status := "success"
	plan, err := schema.ParsePlan([]byte(sp.PlanDocument))
	if err != nil {
		status = "error"
		s.logger.Error("scheduled plan document is malformed",
			slog.String("schedule_id", sp.ID), slog.String("error", err.Error()))
	} else {
		summary, err := s.runner.RunSubPlan(ctx, plan, nil)
		if err != nil || !summary.Success {
			status = "error"
			s.logger.Error("scheduled plan execution failed",
				slog.String("schedule_id", sp.ID), slog.String("name", sp.Name))
		}
	}

	if err := s.store.MarkScheduledRun(ctx, sp.ID, status, now); err != nil {
		s.logger.Error("failed to update scheduled plan",
			slog.String("schedule_id", sp.ID), slog.String("error", err.Error()))
	}
}

// tryAcquire returns true and marks the plan in-flight if not already running.
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

// NextRun computes the next firing of a cron expression after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.done = nil
	s.cancel = nil
	return nil
}
