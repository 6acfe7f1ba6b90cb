package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yujihama/planrunner/internal/config"
	"github.com/yujihama/planrunner/internal/registry"
	"github.com/yujihama/planrunner/internal/runner"
	"github.com/yujihama/planrunner/pkg/plan"
)

func emptyRunner(t *testing.T) *runner.Runner {
	t.Helper()
	return runner.New(registry.New(), config.New(), t.TempDir(), nil)
}

func TestCalculateNextRunParsesCron(t *testing.T) {
	s := New(NewMemoryStore(), nil, nil, nil)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 12 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, 12, next.Hour())
}

func TestCalculateNextRunInvalidExpr(t *testing.T) {
	s := New(NewMemoryStore(), nil, nil, nil)
	_, err := s.CalculateNextRun("not a cron", time.Now())
	assert.Error(t, err)
}

func TestTickSkipsDisabledAndNotYetDue(t *testing.T) {
	store := NewMemoryStore()
	future := time.Now().Add(time.Hour)
	store.Add(&ScheduledPlan{ID: "disabled", PlanID: "p1", CronExpr: "* * * * *", Enabled: false})
	store.Add(&ScheduledPlan{ID: "not-due", PlanID: "p1", CronExpr: "* * * * *", Enabled: true, NextRunAt: &future})

	lookup := func(id string) (*plan.Plan, bool) { return nil, false }
	s := New(store, lookup, emptyRunner(t), nil)
	s.tick(context.Background())

	plans, _ := store.List()
	for _, sp := range plans {
		assert.Empty(t, sp.LastRunStatus)
	}
}

func TestTickRunsDuePlanAndUpdatesStatus(t *testing.T) {
	store := NewMemoryStore()
	store.Add(&ScheduledPlan{ID: "due", PlanID: "plan-1", CronExpr: "* * * * *", Enabled: true})

	p := &plan.Plan{ID: "plan-1", Version: "1", APIVersion: "v1"}
	lookup := func(id string) (*plan.Plan, bool) {
		if id == "plan-1" {
			return p, true
		}
		return nil, false
	}
	s := New(store, lookup, emptyRunner(t), nil)
	s.tick(context.Background())

	plans, _ := store.List()
	require.Len(t, plans, 1)
	assert.Equal(t, "success", plans[0].LastRunStatus)
	assert.NotNil(t, plans[0].NextRunAt)
}

func TestTickHandlesPlanNotFound(t *testing.T) {
	store := NewMemoryStore()
	store.Add(&ScheduledPlan{ID: "ghost-plan", PlanID: "missing", CronExpr: "* * * * *", Enabled: true})

	lookup := func(id string) (*plan.Plan, bool) { return nil, false }
	s := New(store, lookup, emptyRunner(t), nil)
	s.tick(context.Background())

	plans, _ := store.List()
	require.Len(t, plans, 1)
	assert.Equal(t, "error: plan not found", plans[0].LastRunStatus)
}

func TestRecoverMissedRunsOverduePlans(t *testing.T) {
	store := NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	store.Add(&ScheduledPlan{ID: "overdue", PlanID: "plan-1", CronExpr: "* * * * *", Enabled: true, NextRunAt: &past})

	p := &plan.Plan{ID: "plan-1", Version: "1", APIVersion: "v1"}
	lookup := func(id string) (*plan.Plan, bool) { return p, true }
	s := New(store, lookup, emptyRunner(t), nil)

	require.NoError(t, s.RecoverMissed(context.Background()))

	plans, _ := store.List()
	assert.Equal(t, "success", plans[0].LastRunStatus)
}

func TestTickSkipsMisfiredPlanAndReschedulesForward(t *testing.T) {
	store := NewMemoryStore()
	longAgo := time.Now().Add(-time.Hour)
	store.Add(&ScheduledPlan{
		ID: "stale", PlanID: "plan-1", CronExpr: "* * * * *", Enabled: true,
		NextRunAt: &longAgo, MisfireGraceSeconds: 60,
	})

	ranIt := false
	p := &plan.Plan{ID: "plan-1", Version: "1", APIVersion: "v1"}
	lookup := func(id string) (*plan.Plan, bool) { ranIt = true; return p, true }
	s := New(store, lookup, emptyRunner(t), nil)
	s.tick(context.Background())

	assert.False(t, ranIt, "a misfired fire should be rescheduled, not executed")
	plans, _ := store.List()
	require.Len(t, plans, 1)
	assert.Equal(t, "skipped: misfire", plans[0].LastRunStatus)
	assert.True(t, plans[0].NextRunAt.After(longAgo))
}

func TestTickWithinMisfireGraceStillRuns(t *testing.T) {
	store := NewMemoryStore()
	recent := time.Now().Add(-5 * time.Second)
	store.Add(&ScheduledPlan{
		ID: "recent", PlanID: "plan-1", CronExpr: "* * * * *", Enabled: true,
		NextRunAt: &recent, MisfireGraceSeconds: 60,
	})

	p := &plan.Plan{ID: "plan-1", Version: "1", APIVersion: "v1"}
	lookup := func(id string) (*plan.Plan, bool) { return p, true }
	s := New(store, lookup, emptyRunner(t), nil)
	s.tick(context.Background())

	plans, _ := store.List()
	assert.Equal(t, "success", plans[0].LastRunStatus)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffDelay(0))
	assert.Equal(t, baseBackoff, backoffDelay(1))
	assert.Equal(t, 2*baseBackoff, backoffDelay(2))
	assert.Equal(t, maxBackoff, backoffDelay(30))
}

func TestTickAppliesBackoffAfterConsecutiveFailures(t *testing.T) {
	store := NewMemoryStore()
	store.Add(&ScheduledPlan{ID: "flaky", PlanID: "missing", CronExpr: "* * * * *", Enabled: true, ConsecutiveFailures: 1})

	lookup := func(id string) (*plan.Plan, bool) { return nil, false }
	s := New(store, lookup, emptyRunner(t), nil)
	before := time.Now().UTC()
	s.tick(context.Background())

	plans, _ := store.List()
	require.Len(t, plans, 1)
	assert.Equal(t, 2, plans[0].ConsecutiveFailures)
	plain, err := s.CalculateNextRun("* * * * *", before)
	require.NoError(t, err)
	assert.True(t, plans[0].NextRunAt.After(plain), "backoff should push NextRunAt beyond the plain cron schedule")
}

func TestStartAndStop(t *testing.T) {
	store := NewMemoryStore()
	lookup := func(id string) (*plan.Plan, bool) { return nil, false }
	s := New(store, lookup, emptyRunner(t), nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background())) // already started
	require.NoError(t, s.Stop())
}
