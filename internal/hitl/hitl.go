// Package hitl implements the HITL Coordinator (spec §4.7.6, §6): the host
// interface surface (GetState/SaveState/FindLatestPendingUI/ClearStateFiles)
// that lets a caller discover and resume a suspended Run. Grounded on the
// teacher's internal/reasoning/context.go for the idea of building a rich,
// structured context for a human decision point, adapted here to spec's
// simpler pending_ui snapshot model rather than teacher's reasoning-node
// decision context.
package hitl

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yujihama/planrunner/internal/scope"
)

// GetState loads the persisted snapshot for a run, returning (nil, false) if
// no snapshot file exists.
func GetState(baseDir, planID, runID string) (*scope.Snapshot, bool, error) {
	snap, err := scope.LoadSnapshot(baseDir, planID, runID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &snap, true, nil
}

// SaveState persists a snapshot for a run, atomically (spec §5).
func SaveState(baseDir, planID, runID string, snap scope.Snapshot) error {
	return scope.SaveSnapshot(baseDir, planID, runID, snap)
}

// ClearStateFiles removes the event log and state snapshot for a run.
func ClearStateFiles(baseDir, planID, runID string) error {
	return scope.ClearStateFiles(baseDir, planID, runID)
}

// PendingEntry describes one suspended run discovered under a plan's run
// directory.
type PendingEntry struct {
	RunID   string
	Pending scope.PendingUI
}

// FindLatestPendingUI scans runs/<plan_id>/*.state.json for the most
// recently suspended run still awaiting UI input, optionally preferring a
// specific run id when present and still pending (spec §6:
// FindLatestPendingUI(plan_id, prefer_run_id?)).
func FindLatestPendingUI(baseDir, planID, preferRunID string) (*PendingEntry, bool, error) {
	dir := filepath.Join(baseDir, "runs", planID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var candidates []PendingEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".state.json") {
			continue
		}
		runID := strings.TrimSuffix(e.Name(), ".state.json")
		snap, err := scope.LoadSnapshot(baseDir, planID, runID)
		if err != nil {
			continue
		}
		if snap.PendingUI == nil {
			continue
		}
		candidates = append(candidates, PendingEntry{RunID: runID, Pending: *snap.PendingUI})
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}

	if preferRunID != "" {
		for _, c := range candidates {
			if c.RunID == preferRunID {
				return &c, true, nil
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Pending.Timestamp.After(candidates[j].Pending.Timestamp)
	})
	best := candidates[0]
	return &best, true, nil
}
