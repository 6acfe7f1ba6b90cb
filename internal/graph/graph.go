// Package graph implements the Dependency Graph Builder (spec §4.4):
// scanning a Plan's nodes for `${node.alias}` references and producing the
// adjacency list the Validator's cycle check and the Runner's ready-set
// discovery both rely on. Adapted from the teacher's engine/dag.go, which
// builds the same kind of level-grouped DAG from a different step
// vocabulary; the three-pass register/validate/build-adjacency shape and
// the deterministic (non-map-iteration-order) sorting are kept.
package graph

import (
	"regexp"
	"strings"

	"github.com/yujihama/planrunner/pkg/plan"
	"github.com/yujihama/planrunner/pkg/planerr"
)

// Graph is the built dependency graph over one Plan's top-level node list.
type Graph struct {
	NodeIDs  []string            // declaration order
	Edges    map[string][]string // node -> nodes it depends on
	Reverse  map[string][]string // node -> nodes depending on it
	Sorted   []string            // topological order
	Roots    []string            // no-dependency nodes
	Levels   [][]string          // topological levels (for reporting/diagrams)
}

var refRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Build scans every node's in/when/foreach/while/subflow.call.inputs fields
// for `${nodeId.alias...}` references and constructs the dependency graph.
// vars/env/config references produce no edges (spec §4.4).
func Build(p *plan.Plan) (*Graph, error) {
	g := &Graph{
		Edges:   map[string][]string{},
		Reverse: map[string][]string{},
	}
	nodeIDs := map[string]bool{}
	for _, n := range p.Graph {
		if nodeIDs[n.ID] {
			return nil, planerr.Newf(planerr.CodeInputValidationFailed, "duplicate node id: %s", n.ID)
		}
		nodeIDs[n.ID] = true
		g.NodeIDs = append(g.NodeIDs, n.ID)
		g.Edges[n.ID] = nil
	}

	for _, n := range p.Graph {
		deps := map[string]bool{}
		collectRefs(n.In, nodeIDs, deps)
		if n.When != nil {
			collectGuardRefs(n.When, nodeIDs, deps)
		}
		if n.Foreach != nil {
			collectRefs(n.Foreach.Input, nodeIDs, deps)
		}
		if n.While != nil {
			collectGuardRefs(&n.While.Condition, nodeIDs, deps)
		}
		if n.Call != nil {
			collectRefs(n.Call.Inputs, nodeIDs, deps)
		}
		for dep := range deps {
			if dep == n.ID {
				continue
			}
			g.Edges[n.ID] = append(g.Edges[n.ID], dep)
			g.Reverse[dep] = append(g.Reverse[dep], n.ID)
		}
		sortStrings(g.Edges[n.ID])
	}
	for k := range g.Reverse {
		sortStrings(g.Reverse[k])
	}

	sorted, levels, err := topoSort(g)
	if err != nil {
		return nil, err
	}
	g.Sorted = sorted
	g.Levels = levels
	for _, id := range g.NodeIDs {
		if len(g.Edges[id]) == 0 {
			g.Roots = append(g.Roots, id)
		}
	}
	sortStrings(g.Roots)
	return g, nil
}

func collectRefs(v any, nodeIDs map[string]bool, deps map[string]bool) {
	switch t := v.(type) {
	case string:
		for _, m := range refRe.FindAllStringSubmatch(t, -1) {
			inner := strings.TrimSpace(m[1])
			head := inner
			if idx := strings.IndexAny(inner, ".["); idx != -1 {
				head = inner[:idx]
			}
			if head == "vars" || head == "env" || head == "config" {
				continue
			}
			if nodeIDs[head] {
				deps[head] = true
			}
		}
	case map[string]any:
		for _, e := range t {
			collectRefs(e, nodeIDs, deps)
		}
	case []any:
		for _, e := range t {
			collectRefs(e, nodeIDs, deps)
		}
	}
}

func collectGuardRefs(g *plan.Guard, nodeIDs map[string]bool, deps map[string]bool) {
	if g == nil {
		return
	}
	if g.Expr != "" {
		collectRefs(g.Expr, nodeIDs, deps)
	}
	if g.Structured != nil {
		collectRefs(g.Structured.Left, nodeIDs, deps)
		collectRefs(g.Structured.Right, nodeIDs, deps)
	}
}

// topoSort runs Kahn's algorithm over g.Edges (node -> dependency list),
// producing a deterministic topological order and level grouping. Returns
// CYCLE_DETECTED if any node remains unresolved.
func topoSort(g *Graph) ([]string, [][]string, error) {
	indegree := map[string]int{}
	for _, id := range g.NodeIDs {
		indegree[id] = len(g.Edges[id])
	}

	var sorted []string
	var levels [][]string
	remaining := map[string]bool{}
	for _, id := range g.NodeIDs {
		remaining[id] = true
	}

	for len(remaining) > 0 {
		var ready []string
		for id := range remaining {
			if indegree[id] == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			var stuck []string
			for id := range remaining {
				stuck = append(stuck, id)
			}
			sortStrings(stuck)
			return nil, nil, planerr.Newf(planerr.CodeCycleDetected, "plan graph contains a cycle among: %s", strings.Join(stuck, ", "))
		}
		sortStrings(ready)
		levels = append(levels, ready)
		for _, id := range ready {
			sorted = append(sorted, id)
			delete(remaining, id)
			for _, dependent := range g.Reverse[id] {
				indegree[dependent]--
			}
		}
	}
	return sorted, levels, nil
}

// sortStrings is a small manual insertion sort, avoiding a dependency on
// the "sort" package for such short slices — matches the teacher's dag.go
// convention.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
