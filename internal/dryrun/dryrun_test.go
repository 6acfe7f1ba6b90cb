package dryrun

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yujihama/planrunner/internal/registry"
	"github.com/yujihama/planrunner/pkg/plan"
)

func newRegistryWithSpec(t *testing.T, id string, outputs map[string]plan.FieldSpec) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	body := "id: " + id + "\nversion: \"1.0.0\"\nentrypoint: ep\ninputs: {}\noutputs:\n"
	for name, fs := range outputs {
		body += "  " + name + ":\n    type: " + fs.Type + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(body), 0o644))
	r := registry.New()
	_, err := r.LoadSpecs(dir)
	require.NoError(t, err)
	return r
}

func TestRunSynthesizesBlockOutputsByType(t *testing.T) {
	reg := newRegistryWithSpec(t, "http.get", map[string]plan.FieldSpec{
		"status": {Type: "integer"},
		"body":   {Type: "string"},
	})
	p := &plan.Plan{Graph: []plan.Node{{ID: "n1", Block: "http.get"}}}

	out, err := Run(p, reg, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out["n1"]["status"])
	assert.Equal(t, "sample", out["n1"]["body"])
}

func TestRunUsesDryRunSampleOverride(t *testing.T) {
	dir := t.TempDir()
	doc := "id: http.get\nversion: \"1.0.0\"\nentrypoint: ep\ninputs: {}\noutputs:\n  status:\n    type: integer\ndry_run:\n  samples:\n    status: 200\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spec.yaml"), []byte(doc), 0o644))
	reg := registry.New()
	_, err := reg.LoadSpecs(dir)
	require.NoError(t, err)

	p := &plan.Plan{Graph: []plan.Node{{ID: "n1", Block: "http.get"}}}
	out, err := Run(p, reg, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 200, out["n1"]["status"])
}

func TestRunHonorsAliasMapping(t *testing.T) {
	reg := newRegistryWithSpec(t, "http.get", map[string]plan.FieldSpec{"status": {Type: "integer"}})
	p := &plan.Plan{Graph: []plan.Node{
		{ID: "n1", Block: "http.get", Out: map[string]string{"status": "code"}},
	}}
	out, err := Run(p, reg, nil)
	require.NoError(t, err)
	assert.Contains(t, out["n1"], "code")
}

func TestRunUnknownBlockErrors(t *testing.T) {
	reg := registry.New()
	p := &plan.Plan{Graph: []plan.Node{{ID: "n1", Block: "ghost.block"}}}
	_, err := Run(p, reg, nil)
	assert.Error(t, err)
}

func TestRunLoopWithoutCollectAliasYieldsEmpty(t *testing.T) {
	p := &plan.Plan{Graph: []plan.Node{
		{ID: "loop1", Type: plan.NodeTypeLoop, Foreach: &plan.ForeachSpec{Input: []any{1}, ItemVar: "x"}},
	}}
	out, err := Run(p, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out["loop1"])
}

func TestRunLoopWithCollectAliasAndBody(t *testing.T) {
	reg := newRegistryWithSpec(t, "http.get", map[string]plan.FieldSpec{"status": {Type: "integer"}})
	body := &plan.Plan{Graph: []plan.Node{{ID: "inner", Block: "http.get"}}}
	p := &plan.Plan{Graph: []plan.Node{
		{
			ID:      "loop1",
			Type:    plan.NodeTypeLoop,
			Foreach: &plan.ForeachSpec{Input: []any{1}, ItemVar: "x"},
			Out:     map[string]string{"collect": "items"},
			Body: &plan.LoopBody{
				Plan:    body,
				Exports: map[string]string{"inner.status": "status"},
			},
		},
	}}
	out, err := Run(p, reg, nil)
	require.NoError(t, err)
	items, ok := out["loop1"]["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	sample := items[0].(map[string]any)
	assert.Equal(t, 0, sample["status"])
}

func TestRunSubflowDelegatesToChildPlan(t *testing.T) {
	reg := newRegistryWithSpec(t, "http.get", map[string]plan.FieldSpec{"status": {Type: "integer"}})
	child := &plan.Plan{ID: "child", Graph: []plan.Node{{ID: "inner", Block: "http.get"}}}
	lookup := func(id string) (*plan.Plan, bool) {
		if id == "child" {
			return child, true
		}
		return nil, false
	}
	p := &plan.Plan{Graph: []plan.Node{
		{ID: "sub1", Type: plan.NodeTypeSubflow, Call: &plan.SubflowCall{PlanID: "child"}, Out: map[string]string{"inner.status": "status"}},
	}}
	out, err := Run(p, reg, lookup)
	require.NoError(t, err)
	assert.Equal(t, 0, out["sub1"]["status"])
}

func TestRunSubflowMissingChildErrors(t *testing.T) {
	lookup := func(id string) (*plan.Plan, bool) { return nil, false }
	p := &plan.Plan{Graph: []plan.Node{
		{ID: "sub1", Type: plan.NodeTypeSubflow, Call: &plan.SubflowCall{PlanID: "ghost"}},
	}}
	_, err := Run(p, nil, lookup)
	assert.Error(t, err)
}
