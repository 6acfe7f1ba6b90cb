package resolve

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yujihama/planrunner/pkg/planerr"
)

func TestResolveSoleRefReturnsTypedValue(t *testing.T) {
	sc := Scope{Vars: map[string]any{"count": 3}}
	v, err := Resolve("${vars.count}", sc, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestResolveEmbeddedRefStringifies(t *testing.T) {
	sc := Scope{Vars: map[string]any{"name": "world"}}
	v, err := Resolve("hello ${vars.name}!", sc, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello world!", v)
}

func TestResolvePlainStringUnchanged(t *testing.T) {
	v, err := Resolve("plain text", Scope{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "plain text", v)
}

func TestResolveMapAndSlice(t *testing.T) {
	sc := Scope{Vars: map[string]any{"a": 1, "b": 2}}
	tree := map[string]any{
		"x": "${vars.a}",
		"y": []any{"${vars.b}", "literal"},
	}
	v, err := Resolve(tree, sc, Options{})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, 1, m["x"])
	assert.Equal(t, []any{2, "literal"}, m["y"])
}

func TestResolveEnvRef(t *testing.T) {
	t.Setenv("RESOLVE_TEST_KEY", "value1")
	v, err := Resolve("${env.RESOLVE_TEST_KEY}", Scope{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "value1", v)
}

func TestResolveEnvRefMissing(t *testing.T) {
	os.Unsetenv("RESOLVE_TEST_MISSING")
	_, err := Resolve("${env.RESOLVE_TEST_MISSING}", Scope{}, Options{})
	require.Error(t, err)
	assert.True(t, planerr.As(err, planerr.CodeEnvKeyMissing))
}

func TestResolveNodeOutputRef(t *testing.T) {
	sc := Scope{
		KnownNodeIDs: map[string]bool{"n1": true},
		Outputs: func(id string) (map[string]any, bool) {
			if id == "n1" {
				return map[string]any{"result": map[string]any{"status": "ok"}}, true
			}
			return nil, false
		},
	}
	v, err := Resolve("${n1.result.status}", sc, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestResolveNodeOutputNotYetProducedDefers(t *testing.T) {
	sc := Scope{
		KnownNodeIDs: map[string]bool{"n1": true},
		Outputs:      func(id string) (map[string]any, bool) { return nil, false },
	}
	v, err := Resolve("${n1.result}", sc, Options{Defer: true})
	require.NoError(t, err)
	assert.True(t, IsPending(v))
}

func TestResolveNodeOutputNotYetProducedErrorsWithoutDefer(t *testing.T) {
	sc := Scope{
		KnownNodeIDs: map[string]bool{"n1": true},
		Outputs:      func(id string) (map[string]any, bool) { return nil, false },
	}
	_, err := Resolve("${n1.result}", sc, Options{})
	require.Error(t, err)
	assert.True(t, planerr.As(err, planerr.CodeUnresolvedReference))
}

func TestResolveUnknownNamespace(t *testing.T) {
	sc := Scope{KnownNodeIDs: map[string]bool{"n1": true}}
	_, err := Resolve("${ghost.out}", sc, Options{})
	require.Error(t, err)
	assert.True(t, planerr.As(err, planerr.CodeUnresolvedReference))
}

func TestResolveListIndexPath(t *testing.T) {
	sc := Scope{Vars: map[string]any{"items": []any{"a", "b", "c"}}}
	v, err := Resolve("${vars.items[1]}", sc, Options{})
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestResolveCaseInsensitiveFallback(t *testing.T) {
	sc := Scope{Vars: map[string]any{"Name": "Alice"}}
	v, err := Resolve("${vars.name}", sc, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Alice", v)
}

func TestHasPlaceholderAndReplace(t *testing.T) {
	assert.True(t, HasPlaceholder("hi ${vars.x}"))
	assert.False(t, HasPlaceholder("no refs here"))
	assert.Equal(t, "hi LITERAL", ReplacePlaceholders("hi ${vars.x}", "LITERAL"))
}
