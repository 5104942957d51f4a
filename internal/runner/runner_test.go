package runner_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/osiris/internal/manifest"
	"github.com/alexisbeaulieu97/osiris/internal/runner"
)

func writeCompiledManifest(t *testing.T, dir string, m manifest.Manifest, configs map[string]map[string]any) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cfg"), 0o755))
	for stepID, cfg := range configs {
		data, err := json.Marshal(cfg)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg", stepID+".json"), data, 0o644))
	}
}

func TestRunLocalReportsStepFailureWithoutPanicking(t *testing.T) {
	// The default registry's mysql.extractor driver fails fast on a missing
	// "query" field, before ever touching its RowSource — this exercises
	// the full runner -> local adapter -> driver registry wiring without
	// requiring a live database connection.
	manifestDir := t.TempDir()
	m := manifest.Manifest{
		PipelineID: "p1",
		Steps: []manifest.StepEntry{
			{ID: "extract", Component: "mysql.extractor", Mode: "extract", Driver: "mysql.extractor@1.0.0", ConfigPath: "cfg/extract.json"},
		},
	}
	writeCompiledManifest(t, manifestDir, m, map[string]map[string]any{
		"extract": {},
	})

	sessionRoot := t.TempDir()
	result, err := runner.Run(context.Background(), manifestDir, runner.AdapterLocal, sessionRoot)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.SessionID)
	assert.False(t, result.Status.OK)
	assert.Equal(t, "extract", result.FailedStep)
}

func TestRunFailsWhenManifestMissing(t *testing.T) {
	_, err := runner.Run(context.Background(), t.TempDir(), runner.AdapterLocal, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_RUNTIME")
}
