package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMarshalJSONFlattensFields(t *testing.T) {
	rec := Record{
		TS:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		PlanID: "p1",
		RunID:  "r1",
		Type:   TypeNodeFinish,
		Fields: map[string]any{"node_id": "n1", "duration_ms": 12},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "p1", got["plan_id"])
	assert.Equal(t, "r1", got["run_id"])
	assert.Equal(t, "v1", got["schema"])
	assert.Equal(t, string(TypeNodeFinish), got["type"])
	assert.Equal(t, "n1", got["node_id"])
	assert.Equal(t, float64(12), got["duration_ms"])
	assert.Equal(t, "2026-01-02T03:04:05Z", got["ts"])
}

func TestRecordMarshalJSONNoFieldsCollision(t *testing.T) {
	// A Fields entry named "type" must not override the record's own Type.
	rec := Record{Type: TypeDebug, Fields: map[string]any{"type": "should not win"}}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, string(TypeDebug), got["type"])
}
