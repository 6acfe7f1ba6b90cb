package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/yujihama/planrunner/internal/config"
	"github.com/yujihama/planrunner/internal/registry"
	"github.com/yujihama/planrunner/pkg/plan"
)

// commonFlags are the flags every subcommand accepts to locate the Plan
// set, Block Specs and Configuration Store layers.
type commonFlags struct {
	plansDir   string
	blocksDir  string
	planID     string
	configPath string // comma-separated list, lowest to highest precedence
}

func bindCommonFlags(fs *flag.FlagSet, defaultPlanFlag bool) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.plansDir, "plans", "./plans", "directory of Plan YAML documents")
	fs.StringVar(&cf.blocksDir, "blocks", "./blocks", "directory of Block Spec YAML documents")
	fs.StringVar(&cf.configPath, "config", "", "comma-separated config file paths, lowest to highest precedence")
	if defaultPlanFlag {
		fs.StringVar(&cf.planID, "plan", "", "id of the Plan to target (required)")
	}
	return cf
}

// wired bundles the pieces every subcommand needs: every Plan keyed by id,
// the requested Plan, the Block Registry and the Configuration Store.
type wired struct {
	plans    map[string]*plan.Plan
	target   *plan.Plan
	registry *registry.Registry
	config   *config.Store
	lookup   func(planID string) (*plan.Plan, bool)
}

func wire(cf *commonFlags) (*wired, error) {
	plans, err := plan.LoadDir(cf.plansDir)
	if err != nil {
		return nil, fmt.Errorf("load plans from %s: %w", cf.plansDir, err)
	}

	var target *plan.Plan
	if cf.planID != "" {
		t, ok := plans[cf.planID]
		if !ok {
			return nil, fmt.Errorf("plan %q not found under %s", cf.planID, cf.plansDir)
		}
		target = t
	}

	reg := registry.New()
	if _, err := reg.LoadSpecs(cf.blocksDir); err != nil {
		return nil, fmt.Errorf("load block specs from %s: %w", cf.blocksDir, err)
	}

	var cfgPaths []string
	if cf.configPath != "" {
		cfgPaths = strings.Split(cf.configPath, ",")
	}
	cfg := config.New(cfgPaths...)

	lookup := func(planID string) (*plan.Plan, bool) {
		p, ok := plans[planID]
		return p, ok
	}

	return &wired{plans: plans, target: target, registry: reg, config: cfg, lookup: lookup}, nil
}
