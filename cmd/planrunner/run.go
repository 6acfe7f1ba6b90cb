package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/yujihama/planrunner/internal/runner"
)

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cf := bindCommonFlags(fs, true)
	baseDir := fs.String("base-dir", "./runtime", "directory runs/<plan_id>/... state is written under")
	varsJSON := fs.String("vars", "", "JSON object of vars_overrides")
	runID := fs.String("run-id", "", "explicit run id (generated if empty)")
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

	var vars map[string]any
	if *varsJSON != "" {
		if err := json.Unmarshal([]byte(*varsJSON), &vars); err != nil {
			return fmt.Errorf("parse -vars: %w", err)
		}
	}

	run := runner.New(w.registry, w.config, *baseDir, w.lookup)
	res, err := run.Run(context.Background(), w.target, runner.RunOptions{
		RunID:         *runID,
		VarsOverrides: vars,
	})
	if err != nil {
		return fmt.Errorf("run plan %q: %w", cf.planID, err)
	}
	return printResult(res)
}

func printResult(res *runner.Result) error {
	if res.Suspended {
		fmt.Fprintf(os.Stderr, "run %s suspended awaiting UI input on node %s\n", res.RunID, res.PendingNodeID)
		return nil
	}
	enc, err := json.MarshalIndent(struct {
		RunID   string                     `json:"run_id"`
		Outputs map[string]map[string]any `json:"outputs"`
	}{res.RunID, res.Outputs}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}
