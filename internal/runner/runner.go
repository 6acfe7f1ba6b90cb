// Package runner implements the Plan Runner (spec §4.7): reference
// resolution, DAG-driven scheduling with bounded parallelism, retry/timeout
// policy enforcement, loop and subflow orchestration, and HITL suspension/
// resume. This is the largest component in the system (spec §2: 28% of the
// reference implementation's line budget).
//
// The scheduling loop itself is a fresh design driven directly by spec
// §4.7.2 (there is no single teacher file with an equivalent shape, since
// the teacher schedules typed workflow steps rather than a generic
// reference-resolved node graph); the supporting pieces it calls into —
// bounded worker dispatch, retry classification, circuit breaking, node
// lifecycle transitions — are each adapted from a specific teacher file
// (worker.go, retry.go, circuit_breaker.go, fsm.go respectively; see
// retry.go, circuitbreaker.go, fsm.go in this package and DESIGN.md).
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yujihama/planrunner/internal/config"
	"github.com/yujihama/planrunner/internal/evidence"
	"github.com/yujihama/planrunner/internal/graph"
	"github.com/yujihama/planrunner/internal/guard"
	"github.com/yujihama/planrunner/internal/registry"
	"github.com/yujihama/planrunner/internal/resolve"
	"github.com/yujihama/planrunner/internal/runlog"
	"github.com/yujihama/planrunner/internal/scope"
	"github.com/yujihama/planrunner/pkg/event"
	"github.com/yujihama/planrunner/pkg/plan"
	"github.com/yujihama/planrunner/pkg/planerr"
)

// SubflowLookup locates a child Plan document by id (spec §6 host interface,
// "referenced child Plan id is locatable").
type SubflowLookup func(planID string) (*plan.Plan, bool)

// Runner executes Plans against a Block Registry, recursing into child
// Runners for loop bodies and subflows.
type Runner struct {
	Registry *registry.Registry
	Config   *config.Store
	BaseDir  string
	Lookup   SubflowLookup

	cb       *circuitBreakerRegistry
	guardEng *guard.Engine
}

// New builds a Runner rooted at baseDir (where runs/<plan_id>/... is
// written) with the given Block Registry, Configuration Store and subflow
// lookup function.
func New(reg *registry.Registry, cfg *config.Store, baseDir string, lookup SubflowLookup) *Runner {
	return &Runner{
		Registry: reg,
		Config:   cfg,
		BaseDir:  baseDir,
		Lookup:   lookup,
		cb:       newCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
		guardEng: guard.NewEngine(),
	}
}

// RunOptions parameterizes one invocation of Run.
type RunOptions struct {
	VarsOverrides map[string]any
	RunID         string // explicit run id for a fresh run; generated if empty
	ResumeRunID   string // set to resume a previously suspended run
	ParentRunID   string // set when this Run is a subflow/loop child
}

// Result is the outcome of Run: either a completed set of per-node outputs,
// or a suspension awaiting HITL input.
type Result struct {
	RunID         string
	Outputs       map[string]map[string]any
	Suspended     bool
	PendingNodeID string
}

type nodeResult struct {
	nodeID  string
	skipped bool
	err     error
}

// Run executes a Plan to completion, suspension, or halting failure.
func (r *Runner) Run(ctx context.Context, p *plan.Plan, opts RunOptions) (*Result, error) {
	g, err := graph.Build(p)
	if err != nil {
		return nil, err
	}

	runID := opts.ResumeRunID
	if runID == "" {
		runID = opts.RunID
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = runlog.WithIDs(ctx, p.ID, runID, "")

	var ec *scope.ExecutionContext
	if opts.ResumeRunID != "" {
		snap, err := scope.LoadSnapshot(r.BaseDir, p.ID, runID)
		if err != nil {
			return nil, fmt.Errorf("loading snapshot for resume: %w", err)
		}
		ec = scope.Restore(ctx, p.ID, runID, snap)
	} else {
		ec = scope.New(ctx, p.ID, runID, opts.VarsOverrides)
	}
	if opts.ParentRunID != "" {
		ec.ParentRunID = opts.ParentRunID
	}

	logger, err := evidence.Open(r.BaseDir, p.ID, runID)
	if err != nil {
		return nil, err
	}
	defer logger.Close()

	if opts.ResumeRunID == "" {
		_ = logger.Emit(event.TypeStart, map[string]any{"vars_overrides": opts.VarsOverrides})
	}

	return r.runLoop(ctx, p, g, ec, logger, runID)
}

func (r *Runner) runLoop(ctx context.Context, p *plan.Plan, g *graph.Graph, ec *scope.ExecutionContext, logger *evidence.Logger, runID string) (*Result, error) {
	start := time.Now()

	byID := map[string]*plan.Node{}
	for i := range p.Graph {
		byID[p.Graph[i].ID] = &p.Graph[i]
	}

	completed := map[string]bool{}
	skipped := map[string]bool{}
	errored := map[string]bool{}
	dispatched := map[string]bool{}
	var totalRetries int64

	nodeIDs := make([]string, 0, len(byID))
	for id := range byID {
		nodeIDs = append(nodeIDs, id)
	}
	fsm := newNodeFSM(nodeIDs)

	// On resume, success_nodes only ever special-cases the one node that was
	// suspended awaiting UI input (handled just below via resumePendingUI);
	// every other node is re-dispatched fresh, matching the Run State
	// Snapshot's schema (no persisted `outputs`) and original_source's resume
	// semantics, which cache UI submissions only and re-execute everything
	// else.

	if pu := ec.PendingUI(); pu != nil {
		res, err := r.resumePendingUI(ctx, p, byID, ec, logger, pu)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		completed[pu.NodeID] = true
	}

	maxWorkers := p.Policy.Concurrency.DefaultMaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = plan.DefaultMaxWorkers
	}
	sem := make(chan struct{}, maxWorkers)
	resultsCh := make(chan nodeResult, len(byID)+1)
	var inFlight int
	var haltErr error

	for {
		if ec.Context().Err() != nil && haltErr == nil {
			haltErr = ec.Context().Err()
		}
		if haltErr != nil && inFlight == 0 {
			break
		}

		staticReady := computeReady(p, g, completed, dispatched)
		ready, deferred := r.partitionDeferred(p, byID, ec, staticReady)
		for _, id := range deferred {
			_ = logger.Emit(event.TypeNodeDefer, map[string]any{"node_id": id, "reason": "unresolved_reference"})
		}

		if len(ready) == 0 {
			if len(deferred) > 0 && inFlight == 0 {
				// Nothing in flight can ever produce the references these
				// nodes are waiting on; this is the spec's genuine runtime
				// reference error rather than a transient defer (spec
				// §4.7.2 step 5).
				id := deferred[0]
				dispatched[id] = true
				n := byID[id]
				_, rerr := r.resolveInputs(p, n, ec)
				if rerr == nil {
					rerr = planerr.Newf(planerr.CodeUnresolvedReference, "node %q has unresolved references that cannot be proven pending", id)
				}
				errored[id] = true
				completed[id] = true
				r.emitError(logger, id, rerr)
				haltErr = rerr
				ec.Cancel()
				continue
			}
			if inFlight == 0 {
				break
			}
			nr := <-resultsCh
			inFlight--
			r.applyResult(p, nr, completed, skipped, errored, ec, logger, &haltErr, fsm)
			continue
		}

		uiNodes, procNodes := partitionReady(p, byID, ready)

		for _, id := range uiNodes {
			dispatched[id] = true
			n := byID[id]
			fsm.transition(id, stateReady)
			ok, skip, err := r.evaluateGuard(ctx, p, n, ec)
			if err != nil {
				errored[id] = true
				r.emitError(logger, id, err)
				if p.Policy.OnError != plan.OnErrorContinue {
					haltErr = err
					ec.Cancel()
				}
				completed[id] = true
				continue
			}
			if skip {
				skipped[id] = true
				completed[id] = true
				ec.MarkSuccess(id)
				fsm.transition(id, stateSkipped)
				_ = logger.Emit(event.TypeNodeSkip, map[string]any{"node_id": id, "reason": string(event.SkipWhenFalse)})
				continue
			}
			_ = ok
			fsm.transition(id, stateRunning)
			res, err := r.runUINode(ctx, p, n, ec, logger, runID)
			if err != nil {
				errored[id] = true
				fsm.transition(id, stateErrored)
				r.emitError(logger, id, err)
				if p.Policy.OnError != plan.OnErrorContinue {
					haltErr = err
					ec.Cancel()
				}
				completed[id] = true
				continue
			}
			if res != nil {
				return res, nil
			}
			completed[id] = true
			ec.MarkSuccess(id)
			fsm.transition(id, stateSucceeded)
		}

		if haltErr != nil {
			continue
		}

		for _, id := range procNodes {
			dispatched[id] = true
			inFlight++
			n := byID[id]
			fsm.transition(id, stateReady)
			go func(n *plan.Node) {
				sem <- struct{}{}
				defer func() { <-sem }()
				fsm.transition(n.ID, stateRunning)
				skip, err := r.runProcessingNode(ctx, p, n, ec, logger, runID, &totalRetries)
				resultsCh <- nodeResult{nodeID: n.ID, skipped: skip, err: err}
			}(n)
		}

		if inFlight > 0 {
			nr := <-resultsCh
			inFlight--
			r.applyResult(p, nr, completed, skipped, errored, ec, logger, &haltErr, fsm)
		}
	}

	elapsed := time.Since(start).Milliseconds()
	summary := map[string]any{
		"total_nodes":      len(byID),
		"succeeded":        len(completed) - len(skipped) - len(errored),
		"skipped":          len(skipped),
		"errored":          len(errored),
		"total_elapsed_ms": elapsed,
		"total_retries":    atomic.LoadInt64(&totalRetries),
	}
	_ = logger.Emit(event.TypeFinishSummary, summary)

	if haltErr != nil {
		return nil, haltErr
	}
	return &Result{RunID: runID, Outputs: ec.AllOutputs()}, nil
}

func (r *Runner) applyResult(p *plan.Plan, nr nodeResult, completed, skipped, errored map[string]bool, ec *scope.ExecutionContext, logger *evidence.Logger, haltErr *error, fsm *nodeFSM) {
	completed[nr.nodeID] = true
	if nr.skipped {
		skipped[nr.nodeID] = true
		ec.MarkSuccess(nr.nodeID)
		fsm.transition(nr.nodeID, stateSkipped)
		return
	}
	if nr.err != nil {
		errored[nr.nodeID] = true
		fsm.transition(nr.nodeID, stateErrored)
		r.emitError(logger, nr.nodeID, nr.err)
		if p.Policy.OnError != plan.OnErrorContinue && *haltErr == nil {
			*haltErr = nr.err
			ec.Cancel()
		}
		return
	}
	ec.MarkSuccess(nr.nodeID)
	fsm.transition(nr.nodeID, stateSucceeded)
}

// computeReady returns node ids whose dependency edges are all terminal
// (completed/skipped/errored) and which have not yet been dispatched, in
// Plan declaration order (spec §4.7.2 step 2's tie-break).
func computeReady(p *plan.Plan, g *graph.Graph, completed map[string]bool, dispatched map[string]bool) []string {
	var ready []string
	for _, n := range p.Graph {
		if dispatched[n.ID] || completed[n.ID] {
			continue
		}
		allDepsDone := true
		for _, dep := range g.Edges[n.ID] {
			if !completed[dep] {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, n.ID)
		}
	}
	return ready
}

// partitionDeferred splits statically-ready node ids into those whose
// declared `in` references resolve right now and those that still point at
// a node output not yet produced — the Reference Resolver's `Pending`
// sentinel (spec §4.2), surfaced here as the scheduler's deferral check
// (spec §4.7.2 step 4). Deferred ids are left undispatched and re-checked
// every loop iteration.
func (r *Runner) partitionDeferred(p *plan.Plan, byID map[string]*plan.Node, ec *scope.ExecutionContext, ready []string) (resolvable, deferred []string) {
	known := r.knownNodeIDs(p)
	for _, id := range ready {
		n := byID[id]
		sc := r.buildResolveScope(p, ec, known)
		resolved, err := resolve.Resolve(n.In, sc, resolve.Options{Defer: true})
		if err == nil && resolve.IsPending(resolved) {
			deferred = append(deferred, id)
			continue
		}
		resolvable = append(resolvable, id)
	}
	return resolvable, deferred
}

// partitionReady splits ready node ids into UI-node and Processing-node
// groups, the UI group ordered by its position in ui.layout and the
// Processing group kept in declaration order (spec §4.7.2 step 2).
func partitionReady(p *plan.Plan, byID map[string]*plan.Node, ready []string) (ui []string, proc []string) {
	layoutPos := map[string]int{}
	for i, id := range p.UI.Layout {
		layoutPos[id] = i
	}
	readySet := map[string]bool{}
	for _, id := range ready {
		readySet[id] = true
	}
	for id := range readySet {
		if _, isUI := layoutPos[id]; isUI {
			ui = append(ui, id)
		}
	}
	sort.Slice(ui, func(i, j int) bool { return layoutPos[ui[i]] < layoutPos[ui[j]] })

	for _, n := range p.Graph {
		if readySet[n.ID] {
			if _, isUI := layoutPos[n.ID]; !isUI {
				proc = append(proc, n.ID)
			}
		}
	}
	return ui, proc
}

func (r *Runner) buildGuardData(p *plan.Plan, ec *scope.ExecutionContext) guard.Data {
	nodeIDs := make([]string, 0, len(p.Graph))
	nodes := map[string]map[string]any{}
	for _, n := range p.Graph {
		nodeIDs = append(nodeIDs, n.ID)
		if outs, ok := ec.NodeOutputs(n.ID); ok {
			nodes[n.ID] = outs
		}
	}
	cfg := map[string]any{}
	if r.Config != nil {
		for _, k := range r.Config.Keys() {
			if v, err := r.Config.Resolve(k); err == nil {
				cfg[k] = v
			}
		}
	}
	return guard.Data{
		Vars:         mergedVars(p, ec),
		Env:          map[string]any{},
		Config:       cfg,
		Nodes:        nodes,
		KnownNodeIDs: nodeIDs,
		ConfigStore:  r.Config,
	}
}

func mergedVars(p *plan.Plan, ec *scope.ExecutionContext) map[string]any {
	merged := map[string]any{}
	for k, v := range p.Vars {
		merged[k] = v
	}
	for k, v := range ec.VarsOverrides() {
		merged[k] = v
	}
	return merged
}

func (r *Runner) buildResolveScope(p *plan.Plan, ec *scope.ExecutionContext, nodeIDs map[string]bool) resolve.Scope {
	return resolve.Scope{
		Vars:         mergedVars(p, ec),
		Config:       r.Config,
		KnownNodeIDs: nodeIDs,
		Outputs:      func(nodeID string) (map[string]any, bool) { return ec.NodeOutputs(nodeID) },
	}
}

func (r *Runner) evaluateGuard(ctx context.Context, p *plan.Plan, n *plan.Node, ec *scope.ExecutionContext) (ready bool, skip bool, err error) {
	if n.When == nil {
		return true, false, nil
	}
	data := r.buildGuardData(p, ec)
	truth, err := r.guardEng.Evaluate(ctx, n.When, data)
	if err != nil {
		return false, false, err
	}
	if !truth {
		return false, true, nil
	}
	return true, false, nil
}

func (r *Runner) emitError(logger *evidence.Logger, nodeID string, err error) {
	fields := map[string]any{"node_id": nodeID}
	var perr *planerr.Error
	if pe, ok := err.(*planerr.Error); ok {
		perr = pe
	}
	if perr != nil {
		fields["code"] = string(perr.Code)
		fields["message"] = perr.Message
		fields["recoverable"] = perr.Recoverable
		if perr.Details != nil {
			fields["error_details"] = perr.Details
		}
	} else {
		fields["code"] = string(planerr.CodeBlockInternal)
		fields["message"] = err.Error()
		fields["recoverable"] = true
	}
	_ = logger.Emit(event.TypeError, fields)
}
