package evidence

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yujihama/planrunner/pkg/event"
)

func TestOpenAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "plan-1", "run-1")
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Emit(event.TypeNodeStart, map[string]any{"node_id": "n1"}))
	require.NoError(t, l.Emit(event.TypeNodeFinish, map[string]any{"node_id": "n1"}))

	path := filepath.Join(dir, "runs", "plan-1", "run-1.jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "plan-1", first["plan_id"])
	assert.Equal(t, "run-1", first["run_id"])
	assert.Equal(t, string(event.TypeNodeStart), first["type"])
}

func TestAppendEnforcesMonotonicTimestamps(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "plan-1", "run-1")
	require.NoError(t, err)
	defer l.Close()

	fixed := event.Record{TS: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Type: event.TypeDebug}
	require.NoError(t, l.Append(fixed))
	require.NoError(t, l.Append(fixed)) // same ts: must be bumped forward

	path := filepath.Join(dir, "runs", "plan-1", "run-1.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := splitLines(string(data))
	require.Len(t, lines, 2)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.NotEqual(t, first["ts"], second["ts"])
}

func TestWriteArtifactsMaterializesBytesAndBase64(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "plan-1", "run-1")
	require.NoError(t, err)
	defer l.Close()

	outputs := map[string]any{
		"report": map[string]any{"name": "report.txt", "bytes": []byte("hello")},
		"image":  map[string]any{"name": "img.bin", "base64": base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
		"plain":  "not an artifact",
	}
	require.NoError(t, l.WriteArtifacts("n1", outputs))

	artDir := filepath.Join(dir, "runs", "plan-1", "run-1", "artifacts")
	reportBytes, err := os.ReadFile(filepath.Join(artDir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(reportBytes))

	imgBytes, err := os.ReadFile(filepath.Join(artDir, "img.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, imgBytes)

	snapData, err := os.ReadFile(filepath.Join(artDir, "n1_outputs.json"))
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(snapData, &snap))
	assert.Equal(t, "not an artifact", snap["plain"])
	assert.Equal(t, "report.txt", snap["report"].(map[string]any)["name"])
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
