package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScenarioText(t *testing.T) {
	path := writeFile(t, t.TempDir(), "simple.yaml", simpleScenario)

	out, err := execute(NewRunCommand(&RootOptions{Format: "text"}), path)
	require.NoError(t, err)
	assert.Contains(t, out, "Scenario simple: 1 update(s)")
	assert.Contains(t, out, "[1] t=0 log Order map[amount:10]")
	assert.Contains(t, out, "✓ all assertions passed")
}

func TestRunScenarioJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "simple.yaml", simpleScenario)

	out, err := execute(NewRunCommand(&RootOptions{Format: "json"}), path)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Scenario string `json:"scenario"`
			Pass     bool   `json:"pass"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "simple", resp.Data.Scenario)
	assert.True(t, resp.Data.Pass)
}

func TestRunFailingScenario(t *testing.T) {
	path := writeFile(t, t.TempDir(), "failing.yaml", failingScenario)

	out, err := execute(NewRunCommand(&RootOptions{Format: "text"}), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ failed")
}

func TestRunMissingScenario(t *testing.T) {
	_, err := execute(NewRunCommand(&RootOptions{Format: "text"}), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunWithJournal(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "simple.yaml", simpleScenario)
	journal := filepath.Join(dir, "incidents.db")

	out, err := execute(NewRunCommand(&RootOptions{Format: "json"}), "--journal", journal, path)
	require.NoError(t, err)

	var resp struct {
		Data struct {
			RunID string `json:"run_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.NotEmpty(t, resp.Data.RunID)

	_, err = os.Stat(journal)
	assert.NoError(t, err)
}

func TestRunWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "simple.yaml", simpleScenario)
	cfg := writeFile(t, dir, "cep.yaml", "execution:\n  max_filter_faults: -1\n")

	_, err := execute(NewRunCommand(&RootOptions{Format: "text"}), "--config", cfg, path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
