package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAddListUpdate(t *testing.T) {
	s := NewMemoryStore()
	s.Add(&ScheduledPlan{ID: "sched-1", PlanID: "plan-1", CronExpr: "* * * * *", Enabled: true})

	plans, err := s.List()
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "plan-1", plans[0].PlanID)

	now := time.Now()
	require.NoError(t, s.Update("sched-1", Update{LastRunAt: &now, LastRunStatus: "success"}))

	plans, _ = s.List()
	assert.Equal(t, "success", plans[0].LastRunStatus)
	assert.NotNil(t, plans[0].LastRunAt)
}

func TestMemoryStoreUpdateUnknownIDErrors(t *testing.T) {
	s := NewMemoryStore()
	err := s.Update("ghost", Update{LastRunStatus: "success"})
	assert.Error(t, err)
}

func TestLoadMemoryStoreFile(t *testing.T) {
	dir := t.TempDir()
	doc := `scheduled:
  - id: sched-1
    plan_id: plan-1
    cron: "*/5 * * * *"
    enabled: true
  - id: sched-2
    plan_id: plan-2
    cron: "0 0 * * *"
    enabled: false
`
	path := filepath.Join(dir, "scheduled.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := LoadMemoryStoreFile(path)
	require.NoError(t, err)

	plans, err := s.List()
	require.NoError(t, err)
	assert.Len(t, plans, 2)
}

func TestLoadMemoryStoreFileMissingIDErrors(t *testing.T) {
	dir := t.TempDir()
	doc := "scheduled:\n  - plan_id: plan-1\n    cron: \"* * * * *\"\n"
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadMemoryStoreFile(path)
	assert.Error(t, err)
}
