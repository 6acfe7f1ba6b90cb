package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yujihama/planrunner/internal/config"
	"github.com/yujihama/planrunner/internal/registry"
	"github.com/yujihama/planrunner/pkg/plan"
	"github.com/yujihama/planrunner/pkg/planerr"
)

type echoBlock struct{}

func (echoBlock) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return map[string]any{"value": inputs["x"]}, nil
}

type failingBlock struct{ calls int }

func (b *failingBlock) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	b.calls++
	return nil, errors.New("boom")
}

func registryFromDir(t *testing.T, dir string) *registry.Registry {
	t.Helper()
	r := registry.New()
	_, err := r.LoadSpecs(dir)
	require.NoError(t, err)
	return r
}

func writeBlockSpec(t *testing.T, dir, id string) {
	t.Helper()
	doc := "id: " + id + "\nversion: \"1.0.0\"\nentrypoint: " + id + "\ninputs: {}\noutputs: {}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(doc), 0o644))
}

func TestRunSimpleBlockPlan(t *testing.T) {
	dir := t.TempDir()
	writeBlockSpec(t, dir, "echo")
	reg := registryFromDir(t, dir)
	reg.RegisterFactory("echo", func() (any, error) { return echoBlock{}, nil })

	p := &plan.Plan{
		ID: "p1", Version: "1", APIVersion: "v1",
		Vars: map[string]any{"input": "hello"},
		Graph: []plan.Node{
			{ID: "n1", Block: "echo", In: map[string]any{"x": "${vars.input}"}},
		},
	}

	run := New(reg, config.New(), t.TempDir(), nil)
	res, err := run.Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	assert.False(t, res.Suspended)
	assert.Equal(t, "hello", res.Outputs["n1"]["value"])
}

func TestRunChainedDependency(t *testing.T) {
	dir := t.TempDir()
	writeBlockSpec(t, dir, "echo")
	reg := registryFromDir(t, dir)
	reg.RegisterFactory("echo", func() (any, error) { return echoBlock{}, nil })

	p := &plan.Plan{
		ID: "p1", Version: "1", APIVersion: "v1",
		Graph: []plan.Node{
			{ID: "n1", Block: "echo", In: map[string]any{"x": "first"}},
			{ID: "n2", Block: "echo", In: map[string]any{"x": "${n1.value}"}},
		},
	}

	run := New(reg, config.New(), t.TempDir(), nil)
	res, err := run.Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Outputs["n2"]["value"])
}

func TestRunSkipsWhenGuardFalse(t *testing.T) {
	dir := t.TempDir()
	writeBlockSpec(t, dir, "echo")
	reg := registryFromDir(t, dir)
	reg.RegisterFactory("echo", func() (any, error) { return echoBlock{}, nil })

	p := &plan.Plan{
		ID: "p1", Version: "1", APIVersion: "v1",
		Vars: map[string]any{"flag": false},
		Graph: []plan.Node{
			{ID: "n1", Block: "echo", In: map[string]any{"x": "v"}, When: &plan.Guard{Expr: "vars.flag"}},
		},
	}

	run := New(reg, config.New(), t.TempDir(), nil)
	res, err := run.Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Outputs["n1"])
}

func TestRunBlockFailureHaltsByDefault(t *testing.T) {
	dir := t.TempDir()
	writeBlockSpec(t, dir, "bad")
	reg := registryFromDir(t, dir)
	fb := &failingBlock{}
	reg.RegisterFactory("bad", func() (any, error) { return fb, nil })

	p := &plan.Plan{
		ID: "p1", Version: "1", APIVersion: "v1",
		Graph: []plan.Node{{ID: "n1", Block: "bad"}},
	}

	run := New(reg, config.New(), t.TempDir(), nil)
	_, err := run.Run(context.Background(), p, RunOptions{})
	assert.Error(t, err)
}

func TestRunRetriesAccordingToPolicy(t *testing.T) {
	dir := t.TempDir()
	writeBlockSpec(t, dir, "bad")
	reg := registryFromDir(t, dir)
	fb := &failingBlock{}
	reg.RegisterFactory("bad", func() (any, error) { return fb, nil })

	p := &plan.Plan{
		ID: "p1", Version: "1", APIVersion: "v1",
		Policy: plan.Policy{Retries: 2},
		Graph:  []plan.Node{{ID: "n1", Block: "bad"}},
	}

	run := New(reg, config.New(), t.TempDir(), nil)
	_, err := run.Run(context.Background(), p, RunOptions{})
	assert.Error(t, err)
	assert.Equal(t, 3, fb.calls) // initial attempt + 2 retries
}

func TestRunUnknownBlockErrors(t *testing.T) {
	reg := registry.New()
	p := &plan.Plan{
		ID: "p1", Version: "1", APIVersion: "v1",
		Graph: []plan.Node{{ID: "n1", Block: "ghost"}},
	}
	run := New(reg, config.New(), t.TempDir(), nil)
	_, err := run.Run(context.Background(), p, RunOptions{})
	require.Error(t, err)
	assert.True(t, planerr.As(err, planerr.CodeBlockInternal))
}
