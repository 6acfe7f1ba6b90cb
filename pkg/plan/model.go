// Package plan defines the Plan document data model: Plans, Nodes, Block
// Specs and the Policy block, matching the wire format in SPEC_FULL.md §6.
package plan

// Plan is a declarative workflow document: a typed DAG of Nodes plus the
// variables, policy and UI layout that parameterize its execution.
type Plan struct {
	APIVersion string         `yaml:"api_version" json:"api_version"`
	ID         string         `yaml:"id" json:"id"`
	Version    string         `yaml:"version" json:"version"`
	Vars       map[string]any `yaml:"vars" json:"vars"`
	Policy     Policy         `yaml:"policy" json:"policy"`
	UI         UILayout       `yaml:"ui" json:"ui"`
	Graph      []Node         `yaml:"graph" json:"graph"`
}

// UILayout names, in display order, the node ids surfaced to a presentation
// layer. It is a display hint only — it carries no scheduling semantics
// beyond UI-node-first ordering within a ready set (spec §4.7.2).
type UILayout struct {
	Layout []string `yaml:"layout" json:"layout"`
}

// Policy is the Plan-level (optionally per-node-overridable) execution
// policy: error handling strategy, retry budget, timeout and pool sizing.
type Policy struct {
	OnError     OnError           `yaml:"on_error" json:"on_error"`
	Retries     int               `yaml:"retries" json:"retries"`
	TimeoutMs   int               `yaml:"timeout_ms" json:"timeout_ms"`
	Concurrency ConcurrencyPolicy `yaml:"concurrency" json:"concurrency"`
}

// OnError is the closed set of failure-handling strategies a Plan or Node
// may declare.
type OnError string

const (
	OnErrorHalt     OnError = "halt"
	OnErrorContinue OnError = "continue"
	OnErrorRetry    OnError = "retry"
)

// ConcurrencyPolicy bounds the Runner's Processing-node worker pool.
type ConcurrencyPolicy struct {
	DefaultMaxWorkers int `yaml:"default_max_workers" json:"default_max_workers"`
}

// DefaultMaxWorkers is used when a Plan's policy.concurrency is unset.
const DefaultMaxWorkers = 4

// NodeType discriminates the three Node kinds. The zero value denotes a
// plain Block node (the teacher's schema used an explicit StepType enum
// with five members; here only the flow-control kinds carry an explicit
// Type — Block nodes are the implicit default, matching spec §3's Node
// union where "Block node" has no discriminator field of its own).
type NodeType string

const (
	NodeTypeBlock   NodeType = ""
	NodeTypeLoop    NodeType = "loop"
	NodeTypeSubflow NodeType = "subflow"
)

// Node is one vertex of a Plan's dependency graph. Exactly one of the
// Block-node fields, the Loop-node fields (Foreach xor While), or the
// Subflow-node fields is populated, selected by Type.
type Node struct {
	ID   string   `yaml:"id" json:"id"`
	Type NodeType `yaml:"type,omitempty" json:"type,omitempty"`

	// Block node fields.
	Block  string         `yaml:"block,omitempty" json:"block,omitempty"`
	In     map[string]any `yaml:"in,omitempty" json:"in,omitempty"`
	Out    map[string]string `yaml:"out,omitempty" json:"out,omitempty"`
	When   *Guard         `yaml:"when,omitempty" json:"when,omitempty"`

	// Loop node fields.
	Foreach *ForeachSpec `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	While   *WhileSpec   `yaml:"while,omitempty" json:"while,omitempty"`
	Body    *LoopBody    `yaml:"body,omitempty" json:"body,omitempty"`

	// Subflow node fields.
	Call *SubflowCall `yaml:"call,omitempty" json:"call,omitempty"`
}

// Guard is the `when`/`while.condition` predicate. Expr is the textual
// expression form; Structured, when non-nil, is the alternate
// `{left,op,right}` comparison form from spec §4.3.
type Guard struct {
	Expr       string      `yaml:"expr,omitempty" json:"expr,omitempty"`
	Structured *Structured `yaml:"structured,omitempty" json:"structured,omitempty"`
}

// Structured is the alternate non-textual guard comparison form.
type Structured struct {
	Left  any    `yaml:"left" json:"left"`
	Op    string `yaml:"op" json:"op"` // eq, ne, gt, gte, lt, lte
	Right any    `yaml:"right" json:"right"`
}

// ForeachSpec configures a bounded iteration over a resolved sequence/map.
type ForeachSpec struct {
	Input          any    `yaml:"input" json:"input"`
	ItemVar        string `yaml:"item_var" json:"item_var"`
	IndexVar       string `yaml:"index_var" json:"index_var"`
	MaxConcurrency int    `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// WhileSpec configures a guarded repetition bounded by MaxIterations.
type WhileSpec struct {
	Condition     Guard `yaml:"condition" json:"condition"`
	MaxIterations int   `yaml:"max_iterations" json:"max_iterations"`
}

// LoopBody wraps the nested body Plan and its exports. Exports is a
// `from -> as` map read from `body.exports`; an `exports: [{from, as}]` list
// written inside `body.plan` is not read.
type LoopBody struct {
	Plan    *Plan             `yaml:"plan" json:"plan"`
	Exports map[string]string `yaml:"exports,omitempty" json:"exports,omitempty"` // body-local ref -> exported name
}

// SubflowCall references another Plan by id with explicit input overrides.
type SubflowCall struct {
	PlanID string         `yaml:"plan_id" json:"plan_id"`
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// CollectAlias returns the local alias declared as this loop node's
// aggregation output (node-level `out: {collect: <local_alias>}`, a sibling
// of `body` in the wire format — spec §6), or "" if none was declared.
func (n *Node) CollectAlias() string {
	return n.Out["collect"]
}
