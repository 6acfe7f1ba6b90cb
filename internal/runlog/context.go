// Package runlog provides correlation-id-aware structured logging built on
// log/slog, adapted from the teacher's internal/logging package for the
// Plan Runner's recursive subflow model: WithChildRun carries a subflow_depth
// counter that the teacher's flat workflow/step/agent correlation has no
// equivalent of, since a teacher workflow step never itself runs a nested
// workflow.
package runlog

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	planIDKey ctxKey = iota
	runIDKey
	nodeIDKey
	depthKey
)

// WithPlanID returns a context with the plan id set.
func WithPlanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, planIDKey, id)
}

// WithRunID returns a context with the run id set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithNodeID returns a context with the node id set.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// WithIDs sets all three correlation ids on the context at once.
func WithIDs(ctx context.Context, planID, runID, nodeID string) context.Context {
	ctx = WithPlanID(ctx, planID)
	ctx = WithRunID(ctx, runID)
	ctx = WithNodeID(ctx, nodeID)
	return ctx
}

// PlanID extracts the plan id from the context, or "" if absent.
func PlanID(ctx context.Context) string {
	v, _ := ctx.Value(planIDKey).(string)
	return v
}

// RunID extracts the run id from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// NodeID extracts the node id from the context, or "" if absent.
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// WithChildRun derives a context for a subflow's child run: it sets the new
// plan_id/run_id and advances depth by one from whatever the parent context
// carried, but deliberately drops node_id (the subflow node that spawned the
// child is not a node of the child run). Depth lets log output distinguish a
// failure nested three subflows deep from a top-level one without having to
// reconstruct the call chain from run_ids alone.
func WithChildRun(ctx context.Context, planID, runID string) context.Context {
	ctx = WithPlanID(ctx, planID)
	ctx = WithRunID(ctx, runID)
	ctx = context.WithValue(ctx, depthKey, Depth(ctx)+1)
	return context.WithValue(ctx, nodeIDKey, "")
}

// Depth reports how many subflow levels deep the context is, 0 at the root
// run.
func Depth(ctx context.Context) int {
	v, _ := ctx.Value(depthKey).(int)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// plan_id/run_id/node_id from the context into every log record.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := PlanID(ctx); v != "" {
		r.AddAttrs(slog.String("plan_id", v))
	}
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := NodeID(ctx); v != "" {
		r.AddAttrs(slog.String("node_id", v))
	}
	if d := Depth(ctx); d > 0 {
		r.AddAttrs(slog.Int("subflow_depth", d))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
