package scheduler

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ScheduledPlan is one cron-triggered Plan registration: a cron expression,
// the Plan to run when it fires, and the vars_overrides to pass in.
//
// MisfireGraceSeconds bounds how stale a due fire may be before the
// Scheduler gives up running it and simply reschedules forward instead
// (0 means no grace limit — always attempt the fire, however late).
type ScheduledPlan struct {
	ID                  string         `yaml:"id"`
	PlanID              string         `yaml:"plan_id"`
	CronExpr            string         `yaml:"cron"`
	VarsOverrides       map[string]any `yaml:"vars_overrides"`
	Enabled             bool           `yaml:"enabled"`
	MisfireGraceSeconds int            `yaml:"misfire_grace_seconds"`

	LastRunAt           *time.Time `yaml:"-"`
	NextRunAt           *time.Time `yaml:"-"`
	LastRunStatus       string     `yaml:"-"`
	ConsecutiveFailures int        `yaml:"-"`
}

// Update is a partial update applied after a scheduled run attempt.
type Update struct {
	LastRunAt           *time.Time
	NextRunAt           *time.Time
	LastRunStatus       string
	ConsecutiveFailures *int
}

// Store is the Scheduler's view of scheduled Plan registrations. A thin
// interface so a future persistence backend can replace MemoryStore without
// touching the scheduling loop.
type Store interface {
	List() ([]*ScheduledPlan, error)
	Update(id string, u Update) error
}

// MemoryStore is an in-process Store, optionally seeded from a YAML file at
// startup. It does not persist updates back to disk: spec §1 excludes a
// persistence backend from core scope, and a scheduled-plan registry that
// resets to its seed file on restart (re-deriving next_run_at from the cron
// expression) is simpler than durable job bookkeeping.
type MemoryStore struct {
	mu    sync.Mutex
	plans map[string]*ScheduledPlan
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: map[string]*ScheduledPlan{}}
}

// LoadMemoryStoreFile seeds a MemoryStore from a YAML file listing
// scheduled Plan registrations, matching internal/config's YAML-driven
// loading conventions.
func LoadMemoryStoreFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scheduled plans file: %w", err)
	}
	var doc struct {
		Scheduled []*ScheduledPlan `yaml:"scheduled"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse scheduled plans file: %w", err)
	}
	s := NewMemoryStore()
	for _, sp := range doc.Scheduled {
		if sp.ID == "" {
			return nil, fmt.Errorf("scheduled plan entry missing id")
		}
		s.plans[sp.ID] = sp
	}
	return s, nil
}

// Add registers a ScheduledPlan, overwriting any existing entry with the
// same id.
func (s *MemoryStore) Add(sp *ScheduledPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[sp.ID] = sp
}

func (s *MemoryStore) List() ([]*ScheduledPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ScheduledPlan, 0, len(s.plans))
	for _, sp := range s.plans {
		out = append(out, sp)
	}
	return out, nil
}

func (s *MemoryStore) Update(id string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.plans[id]
	if !ok {
		return fmt.Errorf("scheduled plan %q not found", id)
	}
	if u.LastRunAt != nil {
		sp.LastRunAt = u.LastRunAt
	}
	if u.NextRunAt != nil {
		sp.NextRunAt = u.NextRunAt
	}
	if u.LastRunStatus != "" {
		sp.LastRunStatus = u.LastRunStatus
	}
	if u.ConsecutiveFailures != nil {
		sp.ConsecutiveFailures = *u.ConsecutiveFailures
	}
	return nil
}
