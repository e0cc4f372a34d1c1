package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopDef = "testdata/shop.cue"

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestRoot_InvalidFormat(t *testing.T) {
	_, err := execute(t, nil, "validate", shopDef, "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestValidate(t *testing.T) {
	out, err := execute(t, nil, "validate", shopDef)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Definition valid")

	out, err = execute(t, nil, "validate", shopDef, "--format", "json")
	require.NoError(t, err)
	resp := decode(t, out)
	assert.Equal(t, "ok", resp["status"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, true, data["valid"])
}

func TestValidate_Invalid(t *testing.T) {
	out, err := execute(t, nil, "validate", "testdata/invalid")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "E101")
	assert.Contains(t, out, "E102")
}

func TestValidate_NotFound(t *testing.T) {
	out, err := execute(t, nil, "validate", "testdata/missing.cue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestInspect_JSON(t *testing.T) {
	out, err := execute(t, nil, "inspect", shopDef, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []InputSummary{{Name: "orders", Keys: 1}, {Name: "users", Keys: 2}}, resp.Data.Inputs)
	require.Len(t, resp.Data.Shared, 1)
	assert.Equal(t, "spending", resp.Data.Shared[0].Name)
	assert.Equal(t, "orders", resp.Data.Shared[0].Source)

	require.Len(t, resp.Data.Resources, 2)
	shout := resp.Data.Resources[0]
	assert.Equal(t, "shout", shout.Name)
	assert.Equal(t, []string{"append param=suffix"}, shout.Steps)
	assert.Equal(t, `{"suffix":"!"}`, shout.Params)
}

func TestSnapshot(t *testing.T) {
	out, err := execute(t, nil, "snapshot", shopDef, "shout")
	require.NoError(t, err)
	assert.Equal(t, "1\t[\"Alice!\"]\n2\t[\"Bob!\"]\n", out)

	out, err = execute(t, nil, "snapshot", shopDef, "shout", "--params", `{"suffix":"?"}`, "--key", "2")
	require.NoError(t, err)
	assert.Equal(t, "2\t[\"Bob?\"]\n", out)

	out, err = execute(t, nil, "snapshot", shopDef, "shout", "--key", "9")
	require.NoError(t, err)
	assert.Equal(t, "(empty)\n", out)
}

func TestSnapshot_Errors(t *testing.T) {
	out, err := execute(t, nil, "snapshot", shopDef, "nope", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode(t, out)
	assert.Equal(t, "UNKNOWN_RESOURCE", resp["error"].(map[string]any)["code"])

	_, err = execute(t, nil, "snapshot", shopDef, "shout", "--params", "{")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestUpdateThenJournal(t *testing.T) {
	db := filepath.Join(t.TempDir(), "shop.db")

	out, err := execute(t, nil, "update", shopDef, "users", `[[3, ["Carol"]]]`, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "users: 1 key(s) written at version 1")

	out, err = execute(t, nil, "update", shopDef, "orders", `[[1, []], [2, [7]]]`, "--db", db, "--format", "json")
	require.NoError(t, err)
	data := decode(t, out)["data"].(map[string]any)
	assert.Equal(t, float64(2), data["version"])
	assert.Equal(t, float64(2), data["keys"])

	out, err = execute(t, nil, "update", shopDef, "spending", `[[1, [1]]]`, "--db", db, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "READ_ONLY", decode(t, out)["error"].(map[string]any)["code"])

	// The journal is replayed on every start.
	out, err = execute(t, nil, "snapshot", shopDef, "spending", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "2\t[7]\n", out)

	out, err = execute(t, nil, "snapshot", shopDef, "shout", "--db", db, "--key", "3")
	require.NoError(t, err)
	assert.Equal(t, "3\t[\"Carol!\"]\n", out)

	out, err = execute(t, nil, "journal", "--db", db, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data struct {
			LastVersion uint64 `json:"last_version"`
			Commits     []struct {
				Version uint64 `json:"version"`
				Writes  []struct {
					Collection string          `json:"collection"`
					Key        json.RawMessage `json:"key"`
					Values     json.RawMessage `json:"values"`
				} `json:"writes"`
			} `json:"commits"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, uint64(2), resp.Data.LastVersion)
	require.Len(t, resp.Data.Commits, 2)
	assert.Equal(t, uint64(1), resp.Data.Commits[0].Version)
	require.Len(t, resp.Data.Commits[0].Writes, 1)
	w := resp.Data.Commits[0].Writes[0]
	assert.Equal(t, "users", w.Collection)
	assert.JSONEq(t, `3`, string(w.Key))
	assert.JSONEq(t, `["Carol"]`, string(w.Values))
	assert.Len(t, resp.Data.Commits[1].Writes, 2)

	out, err = execute(t, nil, "journal", "--db", db, "--after", "1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "v2 "), out)
	assert.NotContains(t, out, "v1 ")

	out, err = execute(t, nil, "journal", "--db", db, "--collection", "users")
	require.NoError(t, err)
	assert.Equal(t, "3\t[\"Carol\"]\n", out, "only journaled writes are folded")
}

func TestJournal_MissingDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "missing.db")
	out, err := execute(t, nil, "journal", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestUpdate_InvalidEntries(t *testing.T) {
	db := filepath.Join(t.TempDir(), "shop.db")
	_, err := execute(t, nil, "update", shopDef, "users", `{"a":1}`, "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
