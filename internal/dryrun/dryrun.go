// Package dryrun implements the Dry-run Engine (spec §4.6): walking a Plan
// in topological order and synthesizing representative outputs per Block
// Spec, without invoking any Block's Run/Render. Grounded on
// original_source's validator.py dry_run_plan, including its per-type
// sample synthesis (_sample_for_type) and its loop/subflow output shapes.
package dryrun

import (
	"github.com/yujihama/planrunner/internal/graph"
	"github.com/yujihama/planrunner/internal/registry"
	"github.com/yujihama/planrunner/pkg/plan"
	"github.com/yujihama/planrunner/pkg/planerr"
)

// Outputs is the synthesized result of a dry-run: node id -> alias -> value.
type Outputs map[string]map[string]any

// Run performs a dry-run of p, returning synthesized outputs for every node,
// or an error if the plan contains a cycle or references an unresolvable
// block/child plan.
func Run(p *plan.Plan, reg *registry.Registry, lookup func(planID string) (*plan.Plan, bool)) (Outputs, error) {
	g, err := graph.Build(p)
	if err != nil {
		return nil, err
	}
	byID := map[string]*plan.Node{}
	for i := range p.Graph {
		byID[p.Graph[i].ID] = &p.Graph[i]
	}

	out := Outputs{}
	for _, id := range g.Sorted {
		n := byID[id]
		vals, err := dryRunNode(n, reg, lookup)
		if err != nil {
			return nil, err
		}
		out[id] = vals
	}
	return out, nil
}

func dryRunNode(n *plan.Node, reg *registry.Registry, lookup func(string) (*plan.Plan, bool)) (map[string]any, error) {
	switch n.Type {
	case plan.NodeTypeBlock:
		return dryRunBlock(n, reg)
	case plan.NodeTypeLoop:
		return dryRunLoop(n, reg, lookup)
	case plan.NodeTypeSubflow:
		return dryRunSubflow(n, reg, lookup)
	default:
		return map[string]any{}, nil
	}
}

func dryRunBlock(n *plan.Node, reg *registry.Registry) (map[string]any, error) {
	if reg == nil {
		return map[string]any{}, nil
	}
	spec, err := reg.Spec(n.Block, "")
	if err != nil {
		return nil, err
	}
	vals := map[string]any{}
	for outName, fs := range spec.Outputs {
		alias := outName
		if a, ok := n.Out[outName]; ok {
			alias = a
		}
		if spec.DryRun != nil {
			if sample, ok := spec.DryRun.Samples[outName]; ok {
				vals[alias] = sample
				continue
			}
		}
		vals[alias] = sampleForType(fs.Type)
	}
	return vals, nil
}

// sampleForType synthesizes a minimal value for a declared Block Spec field
// type, mirroring original_source's _sample_for_type.
func sampleForType(t string) any {
	switch t {
	case "string":
		return "sample"
	case "number":
		return 0.0
	case "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	case "bytes":
		return []byte{}
	default:
		return "sample"
	}
}

func dryRunLoop(n *plan.Node, reg *registry.Registry, lookup func(string) (*plan.Plan, bool)) (map[string]any, error) {
	vals := map[string]any{}
	alias := n.CollectAlias()
	if alias == "" {
		return vals, nil
	}
	if n.Body == nil || n.Body.Plan == nil {
		vals[alias] = []any{}
		return vals, nil
	}
	bodyOut, err := Run(n.Body.Plan, reg, lookup)
	if err != nil {
		return nil, err
	}
	sample := flattenBodyExports(n.Body, bodyOut)
	vals[alias] = []any{sample}
	return vals, nil
}

func flattenBodyExports(body *plan.LoopBody, bodyOut Outputs) any {
	if len(body.Exports) == 0 {
		return "sample"
	}
	result := map[string]any{}
	for localRef, as := range body.Exports {
		result[as] = lookupBodyExport(localRef, bodyOut)
	}
	if len(result) == 0 {
		return "sample"
	}
	return result
}

func lookupBodyExport(ref string, bodyOut Outputs) any {
	head, rest := splitFirstDot(ref)
	if n, ok := bodyOut[head]; ok {
		if rest != "" {
			if v, ok := n[rest]; ok {
				return v
			}
		}
	}
	return "sample"
}

func splitFirstDot(s string) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

func dryRunSubflow(n *plan.Node, reg *registry.Registry, lookup func(string) (*plan.Plan, bool)) (map[string]any, error) {
	vals := map[string]any{}
	if n.Call == nil || lookup == nil {
		return vals, nil
	}
	child, ok := lookup(n.Call.PlanID)
	if !ok {
		return nil, planerr.Newf(planerr.CodeSubflowNotFound, "dry-run: child plan %q not found", n.Call.PlanID)
	}
	childOut, err := Run(child, reg, lookup)
	if err != nil {
		return nil, err
	}
	for blockOut, alias := range n.Out {
		vals[alias] = lookupBodyExport(blockOut, childOut)
	}
	return vals, nil
}
