// Package event defines the Evidence/Event Logger's NDJSON record schema
// (spec §6, "Event schema").
package event

import (
	"encoding/json"
	"time"
)

// Type is the closed set of event record types the engine emits.
type Type string

const (
	TypeStart             Type = "start"
	TypeScheduleLevelStart  Type = "schedule_level_start"
	TypeScheduleLevelFinish Type = "schedule_level_finish"
	TypeNodeStart         Type = "node_start"
	TypeNodeFinish        Type = "node_finish"
	TypeNodeDefer         Type = "node_defer"
	TypeNodeSkip          Type = "node_skip"
	TypeLoopIterStart     Type = "loop_iter_start"
	TypeLoopIterFinish    Type = "loop_iter_finish"
	TypeSubflowStart      Type = "subflow_start"
	TypeSubflowFinish     Type = "subflow_finish"
	TypeUIWait            Type = "ui_wait"
	TypeUISubmit          Type = "ui_submit"
	TypeUIReuse           Type = "ui_reuse"
	TypeError             Type = "error"
	TypeFinishSummary     Type = "finish_summary"
	TypeDebug             Type = "debug"
)

// SkipReason is the closed set of reasons a node_skip event may cite.
type SkipReason string

const (
	SkipWhenFalse             SkipReason = "when_false"
	SkipDependencyUnresolved  SkipReason = "dependency_unresolved"
)

// Record is one immutable append-only NDJSON line.
type Record struct {
	TS     time.Time      `json:"ts"`
	PlanID string         `json:"plan_id"`
	RunID  string         `json:"run_id"`
	Schema string         `json:"schema"`
	Type   Type           `json:"type"`
	Fields map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside the fixed header keys, matching the
// teacher's single-flat-object-per-line NDJSON convention.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["ts"] = r.TS.UTC().Format(time.RFC3339Nano)
	m["plan_id"] = r.PlanID
	m["run_id"] = r.RunID
	m["schema"] = "v1"
	m["type"] = r.Type
	return json.Marshal(m)
}
