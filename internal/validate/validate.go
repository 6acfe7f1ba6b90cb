// Package validate implements the Validator (spec §4.5): a battery of static
// checks over a Plan that accumulates every failing message rather than
// stopping at the first, mirroring original_source's validate_plan, which
// never raises and instead returns the full list of problems found.
package validate

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/yujihama/planrunner/internal/config"
	"github.com/yujihama/planrunner/internal/graph"
	"github.com/yujihama/planrunner/internal/guard"
	"github.com/yujihama/planrunner/internal/registry"
	"github.com/yujihama/planrunner/pkg/plan"
)

// Issue is one accumulated validation problem.
type Issue struct {
	Check   string // which of the 8 checks raised this
	NodeID  string // empty if Plan-level
	Message string
}

func (i Issue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", i.Check, i.NodeID, i.Message)
	}
	return fmt.Sprintf("[%s] %s", i.Check, i.Message)
}

// Result is the full set of issues found. A nil/empty Result is success.
type Result struct {
	Issues []Issue
}

func (r *Result) add(check, nodeID, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Check: check, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

// OK reports whether no issues were found.
func (r *Result) OK() bool { return r == nil || len(r.Issues) == 0 }

// Messages renders every issue as a string, in the order the issues were
// found, for display or for ValidationError aggregation. SortedMessages
// returns the same strings sorted.
func (r *Result) Messages() []string {
	msgs := make([]string, 0, len(r.Issues))
	for _, i := range r.Issues {
		msgs = append(msgs, i.String())
	}
	return msgs
}

// SubflowLookup locates a child Plan by id for subflow resolvability checks.
type SubflowLookup func(planID string) (*plan.Plan, bool)

// Options configures optional inputs the Validator consults.
type Options struct {
	Config   *config.Store
	Lookup   SubflowLookup
	GuardEng *guard.Engine
}

// Validate runs all 8 checks from spec §4.5 against p, consulting reg for
// Block Spec lookups, and returns the full accumulated Result.
func Validate(p *plan.Plan, reg *registry.Registry, opts Options) *Result {
	res := &Result{}

	checkSchemaShape(p, res)
	checkSchemaIntegrity(p, res)
	checkRegistryBinding(p, reg, res)
	checkReferenceResolvability(p, opts, res)

	g, err := graph.Build(p)
	if err != nil {
		res.add("cycle_detection", "", "%v", err)
	}

	checkUILayout(p, res)
	checkGuardSyntax(p, opts, res)
	checkLoopPreconditions(p, opts, res)
	checkSubflowResolvability(p, opts, res)

	_ = g
	return res
}

// 1. Schema integrity -------------------------------------------------------
//
// checkSchemaShape (jsonschema.go) covers the JSON-Schema-expressible shape
// of the wire format. What remains here is what a schema can't express:
// node-type-conditional field presence (foreach xor while, block vs loop vs
// subflow) and duplicate id detection.

func checkSchemaIntegrity(p *plan.Plan, res *Result) {
	if p.ID == "" {
		res.add("schema_integrity", "", "plan is missing id")
	}
	if p.Version == "" {
		res.add("schema_integrity", "", "plan is missing version")
	}
	if p.APIVersion == "" {
		res.add("schema_integrity", "", "plan is missing api_version")
	}
	seen := map[string]bool{}
	for _, n := range p.Graph {
		if n.ID == "" {
			res.add("schema_integrity", "", "node is missing id")
			continue
		}
		if seen[n.ID] {
			res.add("schema_integrity", n.ID, "duplicate node id")
		}
		seen[n.ID] = true
		switch n.Type {
		case plan.NodeTypeBlock:
			if n.Block == "" {
				res.add("schema_integrity", n.ID, "block node missing block id")
			}
		case plan.NodeTypeLoop:
			if n.Foreach == nil && n.While == nil {
				res.add("schema_integrity", n.ID, "loop node declares neither foreach nor while")
			}
			if n.Foreach != nil && n.While != nil {
				res.add("schema_integrity", n.ID, "loop node declares both foreach and while")
			}
			if n.Body == nil || n.Body.Plan == nil {
				res.add("schema_integrity", n.ID, "loop node missing body.plan")
			}
		case plan.NodeTypeSubflow:
			if n.Call == nil || n.Call.PlanID == "" {
				res.add("schema_integrity", n.ID, "subflow node missing call.plan_id")
			}
			if n.Call != nil && n.Call.Inputs == nil {
				res.add("schema_integrity", n.ID, "subflow node call.inputs must be a mapping")
			}
		}
	}
}

// 2. Registry binding --------------------------------------------------------

func checkRegistryBinding(p *plan.Plan, reg *registry.Registry, res *Result) {
	if reg == nil {
		return
	}
	for _, n := range p.Graph {
		if n.Type != plan.NodeTypeBlock || n.Block == "" {
			continue
		}
		spec, err := reg.Spec(n.Block, "")
		if err != nil {
			res.add("registry_binding", n.ID, "block %s not found in registry: %v", n.Block, err)
			continue
		}
		for in := range n.In {
			if _, ok := spec.Inputs[in]; !ok {
				res.add("registry_binding", n.ID, "input %q not declared by block %s", in, spec.ID)
			}
		}
		for fieldName, fs := range spec.Inputs {
			if fs.Required {
				if _, ok := n.In[fieldName]; !ok {
					res.add("registry_binding", n.ID, "required input %q not bound", fieldName)
				}
			}
		}
		for out := range n.Out {
			if _, ok := spec.Outputs[out]; !ok {
				res.add("registry_binding", n.ID, "output %q not declared by block %s", out, spec.ID)
			}
		}
	}
}

// 3. Reference resolvability -------------------------------------------------

var nodeIDRefHead = map[string]bool{"vars": true, "env": true, "config": true}

func checkReferenceResolvability(p *plan.Plan, opts Options, res *Result) {
	nodeIDs := map[string]bool{}
	for _, n := range p.Graph {
		nodeIDs[n.ID] = true
	}
	for _, n := range p.Graph {
		walkRefs(n.In, func(ref string) {
			checkStaticRef(n.ID, ref, p, opts, res)
		})
		if n.Call != nil {
			walkRefs(n.Call.Inputs, func(ref string) {
				checkStaticRef(n.ID, ref, p, opts, res)
			})
		}
	}
}

func checkStaticRef(nodeID, ref string, p *plan.Plan, opts Options, res *Result) {
	head, rest := splitHead(ref)
	switch head {
	case "vars":
		if rest == "" {
			res.add("reference_resolvability", nodeID, "vars reference missing key: %s", ref)
			return
		}
		key := strings.SplitN(rest, ".", 2)[0]
		key = strings.SplitN(key, "[", 2)[0]
		if _, ok := p.Vars[key]; !ok {
			res.add("reference_resolvability", nodeID, "unknown vars key %q referenced as %s", key, ref)
		}
	case "env":
		key := strings.SplitN(rest, ".", 2)[0]
		if _, ok := os.LookupEnv(key); !ok {
			res.add("reference_resolvability", nodeID, "env key %q is not set (referenced as %s)", key, ref)
		}
	case "config":
		if opts.Config == nil {
			return
		}
		if !opts.Config.Has(rest) {
			res.add("reference_resolvability", nodeID, "config path %q is not resolvable (referenced as %s)", rest, ref)
		}
	default:
		// node-alias reference: existence checked by the graph builder /
		// cycle check; nothing further to check statically here beyond
		// "known node id", which duplicate-id and cycle detection cover.
	}
}

func splitHead(ref string) (head, rest string) {
	idx := strings.IndexAny(ref, ".[")
	if idx == -1 {
		return ref, ""
	}
	if ref[idx] == '.' {
		return ref[:idx], ref[idx+1:]
	}
	return ref[:idx], ref[idx:]
}

// walkRefs recursively extracts every `${...}` reference body from v.
func walkRefs(v any, fn func(ref string)) {
	switch t := v.(type) {
	case string:
		for _, ref := range extractRefs(t) {
			fn(ref)
		}
	case map[string]any:
		for _, e := range t {
			walkRefs(e, fn)
		}
	case []any:
		for _, e := range t {
			walkRefs(e, fn)
		}
	}
}

func extractRefs(s string) []string {
	var out []string
	rest := s
	for {
		i := strings.Index(rest, "${")
		if i == -1 {
			break
		}
		j := strings.Index(rest[i:], "}")
		if j == -1 {
			break
		}
		out = append(out, strings.TrimSpace(rest[i+2:i+j]))
		rest = rest[i+j+1:]
	}
	return out
}

// 5. UI layout consistency ---------------------------------------------------

func checkUILayout(p *plan.Plan, res *Result) {
	nodeIDs := map[string]bool{}
	for _, n := range p.Graph {
		nodeIDs[n.ID] = true
	}
	for _, id := range p.UI.Layout {
		if !nodeIDs[id] {
			res.add("ui_layout", id, "ui.layout references undefined node")
		}
	}
}

// 6. Guard syntax -------------------------------------------------------------

func checkGuardSyntax(p *plan.Plan, opts Options, res *Result) {
	for _, n := range p.Graph {
		checkGuard(n.ID, n.When, opts, res)
		if n.While != nil {
			checkGuard(n.ID, &n.While.Condition, opts, res)
		}
	}
}

func checkGuard(nodeID string, g *plan.Guard, opts Options, res *Result) {
	if g == nil || g.Expr == "" {
		return
	}
	if err := GrammarCheck(g.Expr); err != nil {
		res.add("guard_syntax", nodeID, "%v", err)
	}
}

// 7. Loop preconditions -------------------------------------------------------

func checkLoopPreconditions(p *plan.Plan, opts Options, res *Result) {
	for _, n := range p.Graph {
		if n.Type != plan.NodeTypeLoop {
			continue
		}
		if n.Foreach != nil {
			if !staticallyIterable(n.Foreach.Input, p, opts) {
				res.add("loop_preconditions", n.ID, "foreach.input is not statically iterable")
			}
			if n.CollectAlias() == "" && n.Body != nil {
				res.add("loop_preconditions", n.ID, "foreach loop missing out.collect alias")
			}
		}
		if n.While != nil {
			if n.While.MaxIterations < 1 {
				res.add("loop_preconditions", n.ID, "while.max_iterations must be >= 1")
			}
		}
	}
}

// staticallyIterable approximates validator.py's best-effort static check:
// a literal list/map, or a vars./config. reference, is accepted; anything
// else (a node-output reference) cannot be proven statically and is left to
// runtime.
func staticallyIterable(input any, p *plan.Plan, opts Options) bool {
	switch t := input.(type) {
	case []any, map[string]any:
		return true
	case string:
		refs := extractRefs(t)
		if len(refs) == 0 {
			return true
		}
		head, rest := splitHead(refs[0])
		switch head {
		case "vars":
			key := strings.SplitN(rest, ".", 2)[0]
			v, ok := p.Vars[key]
			if !ok {
				return true // unknown key: reported separately, don't double-flag
			}
			switch v.(type) {
			case []any, map[string]any:
				return true
			default:
				return false
			}
		case "config":
			if opts.Config == nil {
				return true
			}
			v, err := opts.Config.Resolve(rest)
			if err != nil {
				return true
			}
			switch v.(type) {
			case []any, map[string]any:
				return true
			default:
				return false
			}
		default:
			// node-output reference: cannot decide statically.
			return true
		}
	default:
		return true
	}
}

// 8. Subflow resolvability -----------------------------------------------------

func checkSubflowResolvability(p *plan.Plan, opts Options, res *Result) {
	for _, n := range p.Graph {
		if n.Type != plan.NodeTypeSubflow || n.Call == nil {
			continue
		}
		if opts.Lookup == nil {
			continue
		}
		child, ok := opts.Lookup(n.Call.PlanID)
		if !ok {
			res.add("subflow_resolvability", n.ID, "referenced plan %q not found", n.Call.PlanID)
			continue
		}
		for k := range n.Call.Inputs {
			_ = k // child vars are free-form overrides; no declared-vars surface to check against beyond existence of the child plan itself
		}
		_ = child
	}
}

// GrammarCheck exposes the guard package's closed-grammar validation for use
// by callers that only need a syntax check (Validator) without a full
// evaluation (guard.Engine.Evaluate).
func GrammarCheck(expr string) error {
	return guard.ValidateExpressionSyntax(expr)
}

// SortedMessages is a convenience for deterministic test/CLI output.
func SortedMessages(r *Result) []string {
	msgs := r.Messages()
	sort.Strings(msgs)
	return msgs
}
