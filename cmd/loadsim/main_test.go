package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-load-scheduler/config"
	"github.com/Swind/go-load-scheduler/internal/sim"
)

const pageLoadScenario = "../../internal/sim/testdata/page_load.yaml"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeQuietConfig(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	path := filepath.Join(t.TempDir(), "loadsim.toml")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, config.Write(f, cfg))
	return path
}

// Given the page load scenario
// When it is run with --record
// Then the timeline is printed and the run can be listed and shown
func TestRun_RecordAndInspect(t *testing.T) {
	// Arrange
	cfgPath := writeQuietConfig(t)
	db := filepath.Join(t.TempDir(), "traces.db")

	// Act
	out, err := execute(t, "run", "--config", cfgPath, "--scenario", pageLoadScenario, "--record", db, "--kind", "start")

	// Assert
	require.NoError(t, err)
	assert.Contains(t, out, "AT")
	assert.Contains(t, out, "late-poll")
	assert.Contains(t, out, "recorded run ")
	runID := strings.TrimSpace(out[strings.LastIndex(out, "recorded run ")+len("recorded run "):])

	out, err = execute(t, "trace", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, runID)
	assert.Contains(t, out, "page_load")

	out, err = execute(t, "trace", "show", "--db", db, "--run", runID)
	require.NoError(t, err)
	assert.Contains(t, out, "hero.jpg")

	_, err = execute(t, "trace", "delete", "--db", db, "--run", runID)
	require.NoError(t, err)
	_, err = execute(t, "trace", "show", "--db", db, "--run", runID)
	assert.Error(t, err)
}

func TestRun_JSONOutput(t *testing.T) {
	out, err := execute(t, "run", "--config", writeQuietConfig(t), "--scenario", pageLoadScenario, "-o", "json", "--kind", "milestone")

	require.NoError(t, err)
	assert.Contains(t, out, `"scenario": "page_load"`)
	assert.Contains(t, out, `"first_contentful_paint"`)
}

func TestRun_RequiresScenario(t *testing.T) {
	_, err := execute(t, "run")

	assert.ErrorContains(t, err, "scenario")
}

func TestConfig_PrintAndValidate(t *testing.T) {
	out, err := execute(t, "config", "print")
	require.NoError(t, err)
	assert.Contains(t, out, "[loader]")
	assert.Contains(t, out, "[throttling.cpu]")

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[loader]\ntight_outstanding_limit = 0\n"), 0o600))
	_, err = execute(t, "config", "validate", "--config", path)
	assert.ErrorContains(t, err, "validate config")
}

func TestToTraceEvents(t *testing.T) {
	events := toTraceEvents([]sim.Event{{Kind: sim.EventStart, Client: "a", ClientID: 3, Detail: "x"}})

	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].ClientID)
	assert.Equal(t, "a", events[0].Client)
}
