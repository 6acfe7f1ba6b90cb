package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yujihama/planrunner/pkg/planerr"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveSingleFile(t *testing.T) {
	dir := t.TempDir()
	p := writeConfigFile(t, dir, "base.yaml", "db:\n  host: localhost\n  port: 5432\n")

	s := New(p)
	v, err := s.Resolve("db.host")
	require.NoError(t, err)
	assert.Equal(t, "localhost", v)
}

func TestResolveLayeredOverride(t *testing.T) {
	dir := t.TempDir()
	base := writeConfigFile(t, dir, "base.yaml", "db:\n  host: localhost\n  port: 5432\n")
	override := writeConfigFile(t, dir, "override.yaml", "db:\n  host: prod.example.com\n")

	s := New(base, override)
	host, err := s.Resolve("db.host")
	require.NoError(t, err)
	assert.Equal(t, "prod.example.com", host)

	port, err := s.Resolve("db.port")
	require.NoError(t, err)
	assert.EqualValues(t, 5432, port)
}

func TestResolveMissingKey(t *testing.T) {
	dir := t.TempDir()
	p := writeConfigFile(t, dir, "base.yaml", "db:\n  host: localhost\n")

	s := New(p)
	_, err := s.Resolve("db.missing")
	require.Error(t, err)
	assert.True(t, planerr.As(err, planerr.CodeConfigKeyMissing))
}

func TestResolveMissingFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "nonexistent.yaml"))
	_, err := s.Resolve("anything")
	require.Error(t, err)
	assert.True(t, planerr.As(err, planerr.CodeConfigKeyMissing))
}

func TestHas(t *testing.T) {
	dir := t.TempDir()
	p := writeConfigFile(t, dir, "base.yaml", "feature:\n  enabled: true\n")
	s := New(p)
	assert.True(t, s.Has("feature.enabled"))
	assert.False(t, s.Has("feature.missing"))
}

func TestKeysSorted(t *testing.T) {
	dir := t.TempDir()
	p := writeConfigFile(t, dir, "base.yaml", "zeta: 1\nalpha: 2\n")
	s := New(p)
	assert.Equal(t, []string{"alpha", "zeta"}, s.Keys())
}

func TestExpectType(t *testing.T) {
	assert.True(t, ExpectType("hello", "string"))
	assert.False(t, ExpectType(42, "string"))
	assert.True(t, ExpectType(3.0, "integer"))
	assert.False(t, ExpectType(3.5, "integer"))
	assert.True(t, ExpectType(true, "boolean"))
	assert.True(t, ExpectType([]any{1, 2}, "array"))
	assert.True(t, ExpectType(map[string]any{}, "object"))
	assert.True(t, ExpectType("anything", "unknown-type"))
}
