package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yujihama/planrunner/internal/evidence"
	"github.com/yujihama/planrunner/internal/registry"
	"github.com/yujihama/planrunner/internal/resolve"
	"github.com/yujihama/planrunner/internal/runlog"
	"github.com/yujihama/planrunner/internal/scope"
	"github.com/yujihama/planrunner/pkg/event"
	"github.com/yujihama/planrunner/pkg/plan"
	"github.com/yujihama/planrunner/pkg/planerr"
)

func (r *Runner) knownNodeIDs(p *plan.Plan) map[string]bool {
	known := make(map[string]bool, len(p.Graph))
	for _, n := range p.Graph {
		known[n.ID] = true
	}
	return known
}

// withNode annotates err with nodeID if it is a *planerr.Error, leaving any
// other error untouched.
func withNode(err error, nodeID string) error {
	if perr, ok := err.(*planerr.Error); ok {
		return perr.WithNode(nodeID)
	}
	return err
}

func (r *Runner) resolveAny(p *plan.Plan, ec *scope.ExecutionContext, v any) (any, error) {
	sc := r.buildResolveScope(p, ec, r.knownNodeIDs(p))
	resolved, err := resolve.Resolve(v, sc, resolve.Options{})
	if err != nil {
		return nil, err
	}
	if resolve.IsPending(resolved) {
		return nil, planerr.Newf(planerr.CodeUnresolvedReference, "reference not resolvable at dispatch time")
	}
	return resolved, nil
}

func (r *Runner) resolveInputs(p *plan.Plan, n *plan.Node, ec *scope.ExecutionContext) (map[string]any, error) {
	resolved, err := r.resolveAny(p, ec, map[string]any(n.In))
	if err != nil {
		return nil, withNode(err, n.ID)
	}
	m, _ := resolved.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// aliasOutputs renames a Block's raw output keys through the node's declared
// `out` alias map, passing unmapped keys through under their original name.
func aliasOutputs(n *plan.Node, raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		alias := k
		if a, ok := n.Out[k]; ok {
			alias = a
		}
		out[alias] = v
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func splitFirstDotLocal(s string) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// runProcessingNode dispatches one non-UI node: a Block invocation, a Loop,
// or a Subflow. It is called from a worker-pool goroutine (spec §4.7.2).
func (r *Runner) runProcessingNode(ctx context.Context, p *plan.Plan, n *plan.Node, ec *scope.ExecutionContext, logger *evidence.Logger, runID string, totalRetries *int64) (skipped bool, err error) {
	_, skip, err := r.evaluateGuard(ctx, p, n, ec)
	if err != nil {
		return false, err
	}
	if skip {
		_ = logger.Emit(event.TypeNodeSkip, map[string]any{"node_id": n.ID, "reason": string(event.SkipWhenFalse)})
		return true, nil
	}

	switch n.Type {
	case plan.NodeTypeLoop:
		return false, r.runLoopNode(ctx, p, n, ec, logger, runID)
	case plan.NodeTypeSubflow:
		return false, r.runSubflowNode(ctx, p, n, ec, logger, runID)
	default:
		return false, r.runBlockNode(ctx, p, n, ec, logger, totalRetries)
	}
}

// runBlockNode resolves inputs, then invokes the named ProcessingBlock,
// retrying per policy.retries with circuit-breaker gating and classification
// via isRetryableError (retry.go), and a per-attempt timeout bounded by
// policy.timeout_ms (spec §4.7.3).
func (r *Runner) runBlockNode(ctx context.Context, p *plan.Plan, n *plan.Node, ec *scope.ExecutionContext, logger *evidence.Logger, totalRetries *int64) error {
	inputs, err := r.resolveInputs(p, n, ec)
	if err != nil {
		return err
	}

	var timeout time.Duration
	if p.Policy.TimeoutMs > 0 {
		timeout = time.Duration(p.Policy.TimeoutMs) * time.Millisecond
	}
	retries := p.Policy.Retries
	if retries < 0 {
		retries = 0
	}

	_ = logger.Emit(event.TypeNodeStart, map[string]any{"node_id": n.ID, "block": n.Block})
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if cbErr := r.cb.allow(n.Block); cbErr != nil {
			lastErr = cbErr
			break
		}

		instance, _, getErr := r.Registry.Get(n.Block, "")
		if getErr != nil {
			lastErr = getErr
			break
		}
		block, ok := instance.(registry.ProcessingBlock)
		if !ok {
			lastErr = planerr.Newf(planerr.CodeBlockInternal, "block %s is not a ProcessingBlock", n.Block)
			break
		}

		callCtx := runlog.WithNodeID(ctx, n.ID)
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(callCtx, timeout)
		}
		outputs, runErr := block.Run(callCtx, inputs)
		if cancel != nil {
			cancel()
		}

		if runErr == nil {
			r.cb.recordSuccess(n.Block)
			aliased := aliasOutputs(n, outputs)
			ec.SetOutputs(n.ID, aliased)
			_ = logger.WriteArtifacts(n.ID, aliased)
			_ = logger.Emit(event.TypeNodeFinish, map[string]any{
				"node_id": n.ID, "elapsed_ms": time.Since(start).Milliseconds(), "attempt": attempt,
			})
			return nil
		}

		r.cb.recordFailure(n.Block)
		lastErr = runErr
		if attempt == retries || !isRetryableError(runErr) {
			break
		}
		atomic.AddInt64(totalRetries, 1)
	}

	if perr, ok := lastErr.(*planerr.Error); ok {
		return perr.WithNode(n.ID)
	}
	return planerr.New(planerr.CodeBlockInternal, fmt.Sprintf("block %s failed", n.Block)).WithNode(n.ID).WithCause(lastErr)
}

// runUINode invokes a UIBlock's Render, persisting a suspension snapshot and
// returning a Suspended Result if the Block requests HITL input (spec
// §4.7.6), or recording its outputs and returning (nil, nil) otherwise.
func (r *Runner) runUINode(ctx context.Context, p *plan.Plan, n *plan.Node, ec *scope.ExecutionContext, logger *evidence.Logger, runID string) (*Result, error) {
	inputs, err := r.resolveInputs(p, n, ec)
	if err != nil {
		return nil, err
	}
	instance, _, err := r.Registry.Get(n.Block, "")
	if err != nil {
		return nil, err
	}
	block, ok := instance.(registry.UIBlock)
	if !ok {
		return nil, planerr.Newf(planerr.CodeBlockInternal, "block %s is not a UIBlock", n.Block).WithNode(n.ID)
	}

	_ = logger.Emit(event.TypeNodeStart, map[string]any{"node_id": n.ID, "block": n.Block})
	outputs, err := block.Render(runlog.WithNodeID(ctx, n.ID), inputs, ec)
	if err != nil {
		return nil, err
	}

	if await, _ := outputs[registry.AwaitUIKey].(bool); await {
		return r.suspend(p, n, ec, logger, runID, inputs)
	}

	aliased := aliasOutputs(n, outputs)
	ec.SetOutputs(n.ID, aliased)
	_ = logger.WriteArtifacts(n.ID, aliased)
	_ = logger.Emit(event.TypeNodeFinish, map[string]any{"node_id": n.ID})
	_ = logger.Emit(event.TypeUISubmit, map[string]any{"node_id": n.ID})
	return nil, nil
}

func (r *Runner) suspend(p *plan.Plan, n *plan.Node, ec *scope.ExecutionContext, logger *evidence.Logger, runID string, inputSnapshot map[string]any) (*Result, error) {
	pending := &scope.PendingUI{NodeID: n.ID, InputSnapshot: inputSnapshot, Timestamp: time.Now().UTC()}
	ec.SetPendingUI(pending)
	if err := scope.SaveSnapshot(r.BaseDir, p.ID, runID, ec.Snapshot()); err != nil {
		return nil, err
	}
	_ = logger.Emit(event.TypeUIWait, map[string]any{"node_id": n.ID})
	return &Result{RunID: runID, Suspended: true, PendingNodeID: n.ID}, nil
}

// resumePendingUI re-invokes the UI Block that was awaiting input when a Run
// was suspended, now that the caller has supplied a submission via
// ec.SetUIOutput before calling Run with ResumeRunID set (spec §4.7.6). A
// nil *Result return means the node resolved and the scheduling loop should
// continue; a non-nil Result means the Block suspended again.
func (r *Runner) resumePendingUI(ctx context.Context, p *plan.Plan, byID map[string]*plan.Node, ec *scope.ExecutionContext, logger *evidence.Logger, pu *scope.PendingUI) (*Result, error) {
	n, ok := byID[pu.NodeID]
	if !ok {
		return nil, planerr.Newf(planerr.CodeBlockInternal, "resumed run references unknown node %s", pu.NodeID)
	}
	instance, _, err := r.Registry.Get(n.Block, "")
	if err != nil {
		return nil, err
	}
	block, ok := instance.(registry.UIBlock)
	if !ok {
		return nil, planerr.Newf(planerr.CodeBlockInternal, "block %s is not a UIBlock", n.Block).WithNode(n.ID)
	}

	outputs, err := block.Render(runlog.WithNodeID(ctx, n.ID), pu.InputSnapshot, ec)
	if err != nil {
		return nil, err
	}

	runID := ec.RunID
	if await, _ := outputs[registry.AwaitUIKey].(bool); await {
		return r.suspend(p, n, ec, logger, runID, pu.InputSnapshot)
	}

	ec.ClearPendingUI()
	aliased := aliasOutputs(n, outputs)
	ec.SetOutputs(n.ID, aliased)
	_ = logger.WriteArtifacts(n.ID, aliased)
	_ = logger.Emit(event.TypeUIReuse, map[string]any{"node_id": n.ID})
	return nil, nil
}

// runLoopNode dispatches to the foreach or while handler per the node's
// declared loop kind (spec §4.7.4; exactly one of Foreach/While is set, a
// Validator-enforced invariant).
func (r *Runner) runLoopNode(ctx context.Context, p *plan.Plan, n *plan.Node, ec *scope.ExecutionContext, logger *evidence.Logger, runID string) error {
	if n.Body == nil || n.Body.Plan == nil {
		return planerr.Newf(planerr.CodeInputValidationFailed, "loop node %s has no body", n.ID).WithNode(n.ID)
	}
	if n.Foreach != nil {
		return r.runForeachNode(ctx, p, n, ec, logger, runID)
	}
	if n.While != nil {
		return r.runWhileNode(ctx, p, n, ec, logger, runID)
	}
	return planerr.Newf(planerr.CodeInputValidationFailed, "loop node %s declares neither foreach nor while", n.ID).WithNode(n.ID)
}

func iterableItems(v any) ([]any, []any, error) {
	switch t := v.(type) {
	case []any:
		idx := make([]any, len(t))
		for i := range t {
			idx[i] = i
		}
		return t, idx, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]any, len(keys))
		idx := make([]any, len(keys))
		for i, k := range keys {
			items[i] = t[k]
			idx[i] = k
		}
		return items, idx, nil
	default:
		return nil, nil, planerr.Newf(planerr.CodeInputValidationFailed, "foreach input is not iterable")
	}
}

// flattenResultExports projects a loop body Run's per-node outputs through
// the body's declared `exports` (body-local "node.alias" ref -> exported
// name), the same flattening rule the Dry-run Engine applies statically.
func flattenResultExports(body *plan.LoopBody, outputs map[string]map[string]any) any {
	if len(body.Exports) == 0 {
		return nil
	}
	result := map[string]any{}
	for localRef, as := range body.Exports {
		head, rest := splitFirstDotLocal(localRef)
		var v any
		if outs, ok := outputs[head]; ok && rest != "" {
			v = outs[rest]
		}
		result[as] = v
	}
	return result
}

func (r *Runner) runForeachNode(ctx context.Context, p *plan.Plan, n *plan.Node, ec *scope.ExecutionContext, logger *evidence.Logger, runID string) error {
	resolvedInput, err := r.resolveAny(p, ec, n.Foreach.Input)
	if err != nil {
		return withNode(err, n.ID)
	}
	items, indices, err := iterableItems(resolvedInput)
	if err != nil {
		return withNode(err, n.ID)
	}

	maxConc := n.Foreach.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}
	sem := make(chan struct{}, maxConc)
	results := make([]any, len(items))
	errs := make([]error, len(items))
	baseVars := ec.VarsOverrides()
	var wg sync.WaitGroup

	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			iterVars := make(map[string]any, len(baseVars)+2)
			for k, v := range baseVars {
				iterVars[k] = v
			}
			if n.Foreach.ItemVar != "" {
				iterVars[n.Foreach.ItemVar] = items[i]
			}
			if n.Foreach.IndexVar != "" {
				iterVars[n.Foreach.IndexVar] = indices[i]
			}

			childRunID := fmt.Sprintf("%s-%s-%d", runID, n.ID, i)
			child := New(r.Registry, r.Config, r.BaseDir, r.Lookup)
			startFields := map[string]any{"node_id": n.ID, "index": i}
			finishFields := map[string]any{"node_id": n.ID, "index": i}
			if key, ok := indices[i].(string); ok {
				startFields["key"] = key
				finishFields["key"] = key
			}
			_ = logger.Emit(event.TypeLoopIterStart, startFields)
			res, runErr := child.Run(ctx, n.Body.Plan, RunOptions{VarsOverrides: iterVars, RunID: childRunID, ParentRunID: runID})
			finishFields["error"] = errString(runErr)
			_ = logger.Emit(event.TypeLoopIterFinish, finishFields)
			if runErr != nil {
				errs[i] = runErr
				return
			}
			if res.Suspended {
				errs[i] = planerr.Newf(planerr.CodeBlockInternal, "loop bodies do not support HITL suspension").WithNode(n.ID)
				return
			}
			results[i] = flattenResultExports(n.Body, res.Outputs)
		}(i)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return e
		}
	}

	if alias := n.CollectAlias(); alias != "" {
		ec.SetOutput(n.ID, alias, results)
	}
	return nil
}

func (r *Runner) runWhileNode(ctx context.Context, p *plan.Plan, n *plan.Node, ec *scope.ExecutionContext, logger *evidence.Logger, runID string) error {
	maxIter := n.While.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}

	var collected []any
	for iter := 0; ; iter++ {
		data := r.buildGuardData(p, ec)
		truth, err := r.guardEng.Evaluate(ctx, &n.While.Condition, data)
		if err != nil {
			return err
		}
		if !truth {
			break
		}
		if iter >= maxIter {
			return planerr.Newf(planerr.CodeLoopBoundExceeded, "while loop %s exceeded max_iterations=%d", n.ID, maxIter).WithNode(n.ID)
		}

		iterVars := ec.VarsOverrides()
		childRunID := fmt.Sprintf("%s-%s-%d", runID, n.ID, iter)
		child := New(r.Registry, r.Config, r.BaseDir, r.Lookup)
		_ = logger.Emit(event.TypeLoopIterStart, map[string]any{"node_id": n.ID, "index": iter})
		res, err := child.Run(ctx, n.Body.Plan, RunOptions{VarsOverrides: iterVars, RunID: childRunID, ParentRunID: runID})
		_ = logger.Emit(event.TypeLoopIterFinish, map[string]any{"node_id": n.ID, "index": iter, "error": errString(err)})
		if err != nil {
			return err
		}
		if res.Suspended {
			return planerr.Newf(planerr.CodeBlockInternal, "loop bodies do not support HITL suspension").WithNode(n.ID)
		}
		collected = append(collected, flattenResultExports(n.Body, res.Outputs))
	}

	if alias := n.CollectAlias(); alias != "" {
		ec.SetOutput(n.ID, alias, collected)
	}
	return nil
}

// runSubflowNode resolves the call's input overrides, recursively runs the
// referenced child Plan, and maps its exported outputs through the node's
// `out` alias map (spec §4.7.5).
func (r *Runner) runSubflowNode(ctx context.Context, p *plan.Plan, n *plan.Node, ec *scope.ExecutionContext, logger *evidence.Logger, runID string) error {
	if n.Call == nil {
		return planerr.Newf(planerr.CodeSubflowNotFound, "subflow node %s has no call target", n.ID).WithNode(n.ID)
	}
	if r.Lookup == nil {
		return planerr.Newf(planerr.CodeSubflowNotFound, "no subflow lookup configured for node %s", n.ID).WithNode(n.ID)
	}
	child, ok := r.Lookup(n.Call.PlanID)
	if !ok {
		return planerr.Newf(planerr.CodeSubflowNotFound, "child plan %q not found", n.Call.PlanID).WithNode(n.ID)
	}

	resolvedInputs, err := r.resolveAny(p, ec, map[string]any(n.Call.Inputs))
	if err != nil {
		return withNode(err, n.ID)
	}
	inputMap, _ := resolvedInputs.(map[string]any)

	childRunID := fmt.Sprintf("%s-%s", runID, n.ID)
	childRunner := New(r.Registry, r.Config, r.BaseDir, r.Lookup)
	_ = logger.Emit(event.TypeSubflowStart, map[string]any{"node_id": n.ID, "child_run_id": childRunID, "plan_id": n.Call.PlanID})
	childCtx := runlog.WithChildRun(ctx, n.Call.PlanID, childRunID)
	res, err := childRunner.Run(childCtx, child, RunOptions{VarsOverrides: inputMap, RunID: childRunID, ParentRunID: runID})
	_ = logger.Emit(event.TypeSubflowFinish, map[string]any{"node_id": n.ID, "child_run_id": childRunID, "plan_id": n.Call.PlanID, "error": errString(err)})
	if err != nil {
		return err
	}
	if res.Suspended {
		return planerr.Newf(planerr.CodeBlockInternal, "subflow %s suspended for HITL; nested suspension not supported", n.Call.PlanID).WithNode(n.ID)
	}

	for ref, alias := range n.Out {
		head, rest := splitFirstDotLocal(ref)
		var v any
		if outs, ok := res.Outputs[head]; ok && rest != "" {
			v = outs[rest]
		}
		ec.SetOutput(n.ID, alias, v)
	}
	return nil
}
