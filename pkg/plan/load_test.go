package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlanFile(t *testing.T, dir, name, id string) {
	t.Helper()
	doc := "id: " + id + "\nversion: \"1\"\napi_version: v1\ngraph: []\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	writePlanFile(t, dir, "a.yaml", "plan-a")

	p, err := LoadFile(filepath.Join(dir, "a.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "plan-a", p.ID)
	assert.Equal(t, "v1", p.APIVersion)
}

func TestLoadFileMissingID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\n"), 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePlanFile(t, dir, "a.yaml", "plan-a")
	writePlanFile(t, dir, "b.yml", "plan-b")

	plans, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Contains(t, plans, "plan-a")
	assert.Contains(t, plans, "plan-b")
}

func TestLoadDirDuplicateID(t *testing.T) {
	dir := t.TempDir()
	writePlanFile(t, dir, "a.yaml", "dup")
	writePlanFile(t, dir, "b.yaml", "dup")

	_, err := LoadDir(dir)
	assert.Error(t, err)
}

func TestLoadDirMissing(t *testing.T) {
	plans, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, plans)
}
