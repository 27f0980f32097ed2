package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeValidate(t *testing.T, opts *RootOptions, args ...string) (string, string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewValidateCommand(opts)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidateValidConfig(t *testing.T) {
	path := writeConfig(t, "dawsync.cue", `
refresh_interval_ms: 20
sim: meters: [{name: "gain", offset: 0, kind: "float64"}]
`)

	out, _, err := executeValidate(t, &RootOptions{Format: "text"}, path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid (1 meter(s), refresh 20ms)")
}

func TestValidateUsesConfigFlag(t *testing.T) {
	path := writeConfig(t, "dawsync.json", `{"frame_interval_ms": 8}`)

	out, errOut, err := executeValidate(t, &RootOptions{Format: "text", Config: path, Verbose: true})
	require.NoError(t, err)
	assert.Contains(t, out, "is valid (3 meter(s), refresh 33ms)")
	assert.Contains(t, errOut, "Validating "+path)
}

func TestValidateNoFile(t *testing.T) {
	out, _, err := executeValidate(t, &RootOptions{Format: "text"})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "no config file given")
}

func TestValidateUnreadableFile(t *testing.T) {
	_, _, err := executeValidate(t, &RootOptions{Format: "text"}, filepath.Join(t.TempDir(), "missing.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestValidateReportsPositions(t *testing.T) {
	path := writeConfig(t, "bad.cue", `refresh_interval_ms: 20
log_level: "info" }
`)

	out, _, err := executeValidate(t, &RootOptions{Format: "text"}, path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "line 2:")
}

func TestValidateSemanticIssueJSON(t *testing.T) {
	path := writeConfig(t, "overlap.cue", `
sim: meters: [
	{name: "a", offset: 0, kind: "float64"},
	{name: "b", offset: 4, kind: "int32"},
]
`)

	out, _, err := executeValidate(t, &RootOptions{Format: "json"}, path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Issues, 1)
	assert.Equal(t, `meter "b" overlaps meter "a"`, resp.Data.Issues[0].Message)
	assert.Zero(t, resp.Data.Issues[0].Line, "cross-meter checks have no single position")
	assert.Equal(t, ErrCodeConfigInvalid, resp.Error.Code)
}

func TestValidateJSONSuccessIncludesConfig(t *testing.T) {
	path := writeConfig(t, "dawsync.cue", `ack_timeout_ms: 750`)

	out, _, err := executeValidate(t, &RootOptions{Format: "json"}, path)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Valid  bool           `json:"valid"`
			Config map[string]any `json:"config"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Valid)
	assert.EqualValues(t, 750, resp.Data.Config["ack_timeout_ms"])
	assert.EqualValues(t, 33, resp.Data.Config["refresh_interval_ms"], "defaults are filled in")
}
