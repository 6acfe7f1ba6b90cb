package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"github.com/yujihama/planrunner/internal/hitl"
	"github.com/yujihama/planrunner/internal/runner"
	"github.com/yujihama/planrunner/internal/scope"
)

func runResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	cf := bindCommonFlags(fs, true)
	baseDir := fs.String("base-dir", "./runtime", "directory runs/<plan_id>/... state was written under")
	runID := fs.String("run-id", "", "run id to resume (latest pending UI run if empty)")
	submitJSON := fs.String("submit", "", "JSON object the caller is submitting for the pending UI node")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cf.planID == "" {
		return fmt.Errorf("-plan is required")
	}

	w, err := wire(cf)
	if err != nil {
		return err
	}

	entry, found, err := hitl.FindLatestPendingUI(*baseDir, cf.planID, *runID)
	if err != nil {
		return fmt.Errorf("find pending run for plan %q: %w", cf.planID, err)
	}
	if !found {
		return fmt.Errorf("no suspended run awaiting UI input for plan %q", cf.planID)
	}

	var submission map[string]any
	if *submitJSON != "" {
		if err := json.Unmarshal([]byte(*submitJSON), &submission); err != nil {
			return fmt.Errorf("parse -submit: %w", err)
		}
	}

	snap, ok, err := hitl.GetState(*baseDir, cf.planID, entry.RunID)
	if err != nil {
		return fmt.Errorf("load state for run %s: %w", entry.RunID, err)
	}
	if !ok {
		return fmt.Errorf("no persisted state for run %s", entry.RunID)
	}

	ec := scope.Restore(context.Background(), cf.planID, entry.RunID, *snap)
	ec.SetUIOutput(entry.Pending.NodeID, submission)
	if err := hitl.SaveState(*baseDir, cf.planID, entry.RunID, ec.Snapshot()); err != nil {
		return fmt.Errorf("persist submitted UI output: %w", err)
	}

	run := runner.New(w.registry, w.config, *baseDir, w.lookup)
	res, err := run.Run(context.Background(), w.target, runner.RunOptions{ResumeRunID: entry.RunID})
	if err != nil {
		return fmt.Errorf("resume run %s: %w", entry.RunID, err)
	}
	return printResult(res)
}
