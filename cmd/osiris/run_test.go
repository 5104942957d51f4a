package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/osiris/internal/manifest"
)

// writeRunFixture hand-writes a compiled manifest directly to disk, the way
// internal/runner's own tests do, so this exercises the run command against
// the default driver registry's fast-failing config validation without
// needing a live database connection.
func writeRunFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	m := manifest.Manifest{
		PipelineID: "cli-run-test",
		Steps: []manifest.StepEntry{
			{ID: "extract", Component: "mysql.extractor", Mode: "extract", Driver: "mysql.extractor@1.0.0", ConfigPath: "cfg/extract.json"},
		},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cfg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg", "extract.json"), []byte("{}"), 0o644))

	return dir
}

func TestRunCommandReportsStepFailure(t *testing.T) {
	manifestDir := writeRunFixture(t)
	sessionRoot := t.TempDir()

	root := newRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"run", "--manifest-dir", manifestDir, "--session-root", sessionRoot})

	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, buf.String(), "extract")

	entries, err := os.ReadDir(filepath.Join(sessionRoot, "logs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRunCommandFailsWhenManifestDirMissing(t *testing.T) {
	root := newRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"run", "--manifest-dir", "/does/not/exist", "--session-root", t.TempDir()})

	require.Error(t, root.Execute())
}
