// Package evidence implements the Evidence/Event Logger (spec §4.8): an
// append-only newline-delimited JSON event file per run, serialized behind
// a mutex, plus per-node artifact materialization. Conceptually grounded on
// the teacher's internal/store/eventlog.go (sequence-guarded append,
// ordered-stream ownership) but rebuilt as a flat file rather than a
// SQL-backed event store, per spec §6's persisted-layout contract.
package evidence

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yujihama/planrunner/pkg/event"
)

// Logger appends Records to runs/<plan_id>/<run_id>.jsonl and materializes
// per-node artifact snapshots under runs/<plan_id>/<run_id>/artifacts/.
type Logger struct {
	mu       sync.Mutex
	baseDir  string
	planID   string
	runID    string
	file     *os.File
	lastTS   int64 // unix nano of the last written record, for monotonic ts enforcement
}

// Open creates (or appends to) the event log file for a run, creating
// parent directories as needed.
func Open(baseDir, planID, runID string) (*Logger, error) {
	dir := filepath.Join(baseDir, "runs", planID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Logger{baseDir: baseDir, planID: planID, runID: runID, file: f}, nil
}

// Close releases the underlying file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append writes one event record, serialized behind the Logger's mutex so
// concurrent workers never interleave partial lines (spec §5).
func (l *Logger) Append(rec event.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.PlanID = l.planID
	rec.RunID = l.runID
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	nowNano := rec.TS.UnixNano()
	if nowNano <= l.lastTS {
		nowNano = l.lastTS + 1
		rec.TS = time.Unix(0, nowNano).UTC()
	}
	l.lastTS = nowNano

	data, err := rec.MarshalJSON()
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = l.file.Write(data)
	return err
}

// Emit is a convenience wrapper building and appending a Record in one call.
func (l *Logger) Emit(ts event.Type, fields map[string]any) error {
	return l.Append(event.Record{Type: ts, Fields: fields})
}

// artifactEnvelope is the shape a Block output takes when it represents a
// binary file descriptor (spec §4.8): {name, bytes} or {name, base64}.
type artifactEnvelope struct {
	Name   string `json:"name"`
	Bytes  []byte `json:"bytes,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// WriteArtifacts materializes a node's output snapshot into
// runs/<plan_id>/<run_id>/artifacts/<node_id>_outputs.json, writing out any
// binary file descriptors found among its values alongside under their
// declared filename.
func (l *Logger) WriteArtifacts(nodeID string, outputs map[string]any) error {
	dir := filepath.Join(l.baseDir, "runs", l.planID, l.runID, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	snapshot := make(map[string]any, len(outputs))
	for alias, v := range outputs {
		if env, raw, ok := asArtifact(v); ok {
			if err := os.WriteFile(filepath.Join(dir, env.Name), raw, 0o644); err != nil {
				return err
			}
			snapshot[alias] = map[string]any{"name": env.Name, "materialized": true}
			continue
		}
		snapshot[alias] = v
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_outputs.json", nodeID))
	return os.WriteFile(path, data, 0o644)
}

func asArtifact(v any) (artifactEnvelope, []byte, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return artifactEnvelope{}, nil, false
	}
	name, ok := m["name"].(string)
	if !ok || name == "" {
		return artifactEnvelope{}, nil, false
	}
	if raw, ok := m["bytes"].([]byte); ok {
		return artifactEnvelope{Name: name}, raw, true
	}
	if b64, ok := m["base64"].(string); ok {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return artifactEnvelope{}, nil, false
		}
		return artifactEnvelope{Name: name}, raw, true
	}
	return artifactEnvelope{}, nil, false
}
