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

const compileTestRegistryYAML = `
name: filesystem.csv_writer
version: 1.0.0
modes: [write]
config_schema:
  required: [path]
  properties:
    path:
      type: string
`

const compileTestOMLYAML = `
oml_version: "0.1.0"
pipeline_id: minimal-write
steps:
  - id: write
    component: filesystem.csv_writer
    mode: write
    config:
      path: "/tmp/out.csv"
`

func writeCompileFixture(t *testing.T) (omlPath, registryDir string) {
	t.Helper()
	dir := t.TempDir()

	omlPath = filepath.Join(dir, "pipeline.oml.yaml")
	require.NoError(t, os.WriteFile(omlPath, []byte(compileTestOMLYAML), 0o644))

	registryDir = filepath.Join(dir, "registry")
	require.NoError(t, os.MkdirAll(registryDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(registryDir, "filesystem.csv_writer.yaml"), []byte(compileTestRegistryYAML), 0o644))

	return omlPath, registryDir
}

func TestCompileCommandWritesManifestAndConfigs(t *testing.T) {
	omlPath, registryDir := writeCompileFixture(t)
	outDir := filepath.Join(t.TempDir(), "out")

	root := newRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"compile", "--oml", omlPath, "--registry", registryDir, "--out", outDir})

	require.NoError(t, root.Execute())
	require.Contains(t, buf.String(), "compiled minimal-write")

	manifestBytes, err := os.ReadFile(filepath.Join(outDir, "manifest.json"))
	require.NoError(t, err)

	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(manifestBytes, &m))
	require.Len(t, m.Steps, 1)
	require.Equal(t, "write", m.Steps[0].ID)
}

func TestCompileCommandFailsOnMissingOMLFile(t *testing.T) {
	_, registryDir := writeCompileFixture(t)
	outDir := filepath.Join(t.TempDir(), "out")

	root := newRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"compile", "--oml", "/does/not/exist.yaml", "--registry", registryDir, "--out", outDir})

	err := root.Execute()
	require.Error(t, err)
}

func TestExitCodeForNilIsSuccess(t *testing.T) {
	require.Equal(t, exitSuccess, exitCodeFor(nil))
}
