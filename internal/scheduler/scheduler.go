// Package scheduler implements the Scheduled Plan trigger (SPEC_FULL.md
// supplement): a background loop that polls a Store of cron-registered
// Plans and invokes the Plan Runner on each once its schedule is due.
//
// Two behaviors have no equivalent in the teacher's scheduler: a misfire
// grace window (a fire more than MisfireGraceSeconds stale is skipped and
// rescheduled forward rather than executed, so a process that was down for
// a long stretch doesn't replay a pile of ancient fires on restart) and
// failure backoff (consecutive run failures push NextRunAt out by a capped
// exponential delay on top of the plain cron schedule, so a Plan that is
// currently broken is not retried every single tick).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yujihama/planrunner/internal/runner"
	"github.com/yujihama/planrunner/pkg/plan"
)

// PlanLookup resolves a Plan id to its document, mirroring
// runner.SubflowLookup's shape.
type PlanLookup func(planID string) (*plan.Plan, bool)

// Scheduler polls a Store for due ScheduledPlans and runs them through a
// Runner.
type Scheduler struct {
	store  Store
	lookup PlanLookup
	run    *runner.Runner
	parser cron.Parser
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler. logger may be nil, in which case slog.Default()
// is used.
func New(store Store, lookup PlanLookup, run *runner.Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		lookup:   lookup,
		run:      run,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s poll interval,
// ticking once immediately on start.
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

// baseBackoff and maxBackoff bound the extra delay added to NextRunAt after
// consecutive failures, on top of whatever the cron expression would
// otherwise produce.
const (
	baseBackoff = time.Minute
	maxBackoff  = 30 * time.Minute
)

// backoffDelay returns a capped exponential delay for the given number of
// consecutive failures (0 failures → no delay).
func backoffDelay(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	if consecutiveFailures > 10 {
		return maxBackoff
	}
	d := baseBackoff << uint(consecutiveFailures-1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// isMisfired reports whether sp's due fire is older than its configured
// misfire grace window and should be rescheduled instead of executed.
func isMisfired(sp *ScheduledPlan, now time.Time) bool {
	if sp.MisfireGraceSeconds <= 0 || sp.NextRunAt == nil {
		return false
	}
	return now.Sub(*sp.NextRunAt) > time.Duration(sp.MisfireGraceSeconds)*time.Second
}

func (s *Scheduler) tick(ctx context.Context) {
	plans, err := s.store.List()
	if err != nil {
		s.logger.Error("failed to list scheduled plans", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sp := range plans {
		if !sp.Enabled {
			continue
		}
		if sp.NextRunAt != nil && sp.NextRunAt.After(now) {
			continue
		}
		if isMisfired(sp, now) {
			if err := s.reschedule(sp, now); err != nil {
				s.logger.Error("failed to reschedule misfired plan",
					slog.String("scheduled_id", sp.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if !s.tryAcquire(sp.ID) {
			continue
		}
		if err := s.runScheduled(ctx, sp, now); err != nil {
			s.logger.Error("failed to run scheduled plan",
				slog.String("scheduled_id", sp.ID),
				slog.String("plan_id", sp.PlanID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(sp.ID)
	}
}

// reschedule advances a misfired ScheduledPlan's NextRunAt without running
// it, recording why in LastRunStatus.
func (s *Scheduler) reschedule(sp *ScheduledPlan, now time.Time) error {
	s.logger.Warn("skipping misfired scheduled plan, rescheduling forward",
		slog.String("scheduled_id", sp.ID),
		slog.String("plan_id", sp.PlanID),
	)
	next, err := s.CalculateNextRun(sp.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", sp.ID, err)
	}
	return s.store.Update(sp.ID, Update{NextRunAt: &next, LastRunStatus: "skipped: misfire"})
}

func (s *Scheduler) runScheduled(ctx context.Context, sp *ScheduledPlan, now time.Time) error {
	s.logger.Info("running scheduled plan",
		slog.String("scheduled_id", sp.ID),
		slog.String("plan_id", sp.PlanID),
	)

	p, ok := s.lookup(sp.PlanID)
	if !ok {
		return s.updateStatus(sp, now, "error: plan not found", sp.ConsecutiveFailures+1)
	}

	runID := fmt.Sprintf("sched-%s-%d", sp.ID, now.Unix())
	_, err := s.run.Run(ctx, p, runner.RunOptions{RunID: runID, VarsOverrides: sp.VarsOverrides})
	if err != nil {
		s.logger.Error("scheduled plan run failed",
			slog.String("scheduled_id", sp.ID),
			slog.String("error", err.Error()),
		)
		return s.updateStatus(sp, now, "error", sp.ConsecutiveFailures+1)
	}
	return s.updateStatus(sp, now, "success", 0)
}

// updateStatus persists the outcome of a fire attempt, pushing NextRunAt out
// by backoffDelay(consecutiveFailures) on top of the plain cron schedule
// when the Plan has been failing.
func (s *Scheduler) updateStatus(sp *ScheduledPlan, now time.Time, status string, consecutiveFailures int) error {
	next, err := s.CalculateNextRun(sp.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", sp.ID, err)
	}
	if delay := backoffDelay(consecutiveFailures); delay > 0 {
		next = next.Add(delay)
	}
	return s.store.Update(sp.ID, Update{
		LastRunAt:           &now,
		NextRunAt:           &next,
		LastRunStatus:       status,
		ConsecutiveFailures: &consecutiveFailures,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next due time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduling loop, blocking until it exits.
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

// RecoverMissed runs any enabled ScheduledPlan whose next_run_at is already
// in the past, once, outside the normal tick cadence. Intended to be called
// right after Start so a process restart doesn't silently skip a fire that
// happened while it was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	plans, err := s.store.List()
	if err != nil {
		return fmt.Errorf("list scheduled plans: %w", err)
	}

	now := time.Now().UTC()
	recovered, skippedMisfires := 0, 0
	for _, sp := range plans {
		if !sp.Enabled || sp.NextRunAt == nil || !sp.NextRunAt.Before(now) {
			continue
		}
		if isMisfired(sp, now) {
			if err := s.reschedule(sp, now); err != nil {
				s.logger.Error("failed to reschedule misfired plan",
					slog.String("scheduled_id", sp.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			skippedMisfires++
			continue
		}
		if !s.tryAcquire(sp.ID) {
			continue
		}
		if err := s.runScheduled(ctx, sp, now); err != nil {
			s.logger.Error("failed to recover missed plan",
				slog.String("scheduled_id", sp.ID),
				slog.String("error", err.Error()),
			)
			s.releaseJob(sp.ID)
			continue
		}
		s.releaseJob(sp.ID)
		recovered++
	}
	if recovered > 0 || skippedMisfires > 0 {
		s.logger.Info("recovered missed scheduled plans",
			slog.Int("recovered", recovered),
			slog.Int("skipped_misfires", skippedMisfires),
		)
	}
	return nil
}
