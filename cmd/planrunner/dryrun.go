package main

import (
	"encoding/json"
	"flag"
	"fmt"

	"github.com/yujihama/planrunner/internal/dryrun"
)

func runDryrun(args []string) error {
	fs := flag.NewFlagSet("dryrun", flag.ExitOnError)
	cf := bindCommonFlags(fs, true)
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

	out, err := dryrun.Run(w.target, w.registry, w.lookup)
	if err != nil {
		return fmt.Errorf("dry-run plan %q: %w", cf.planID, err)
	}

	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}
