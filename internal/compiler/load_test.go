package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "def.cue", `inputs: users: [{key: 1, value: "Alice"}]`)

	res, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, res.Files)
	assert.Len(t, res.Definition.Inputs["users"], 1)
}

func TestLoad_DirectoryUnifiesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inputs.cue", "package shop\n\ninputs: users: []\n")
	writeFile(t, dir, "resources.cue", "package shop\n\nresources: all: from: \"users\"\n")

	res, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, res.Files, 2)
	assert.Contains(t, res.Definition.Inputs, "users")
	assert.Contains(t, res.Definition.Resources, "all")
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no CUE files")

	bad := writeFile(t, dir, "bad.cue", `inputs: users: [`)
	_, err = Load(bad)
	assert.Error(t, err)

	conflict := writeFile(t, t.TempDir(), "conflict.cue", "inputs: users: 1\ninputs: users: 2\n")
	_, err = Load(conflict)
	var ce *CompileError
	assert.ErrorAs(t, err, &ce)
}
