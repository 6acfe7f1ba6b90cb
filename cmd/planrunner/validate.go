package main

import (
	"flag"
	"fmt"

	"github.com/yujihama/planrunner/internal/guard"
	"github.com/yujihama/planrunner/internal/validate"
)

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
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

	res := validate.Validate(w.target, w.registry, validate.Options{
		Config:   w.config,
		Lookup:   w.lookup,
		GuardEng: guard.NewEngine(),
	})
	if res.OK() {
		fmt.Printf("plan %q is valid\n", cf.planID)
		return nil
	}

	for _, msg := range res.Messages() {
		fmt.Println(msg)
	}
	return fmt.Errorf("plan %q failed validation with %d issue(s)", cf.planID, len(res.Issues))
}
