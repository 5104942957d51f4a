package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/osiris/internal/registry"
)

func writeSpec(t *testing.T, dir, filename, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644))
}

const mysqlSpec = `
name: mysql.extractor
version: 1.0.0
modes: [read]
config_schema:
  required: [query]
  properties:
    query:
      type: string
    resolved_connection:
      type: object
secret_paths:
  - resolved_connection/password
`

const csvSpec = `
name: filesystem.csv_writer
version: 1.0.0
modes: [write]
config_schema:
  required: [path]
  properties:
    path:
      type: string
`

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "mysql.yaml", mysqlSpec)
	writeSpec(t, dir, "csv.yaml", csvSpec)

	reg, err := registry.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"filesystem.csv_writer", "mysql.extractor"}, reg.List())

	spec, err := reg.Get("mysql.extractor", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", spec.Version)
	assert.True(t, spec.SupportsMode(registry.ModeRead))
	assert.True(t, spec.SupportsMode(registry.ModeExtract))
}

func TestLoadRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "a.yaml", mysqlSpec)
	writeSpec(t, dir, "b.yaml", mysqlSpec)

	_, err := registry.Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_REG_DUPLICATE")
}

func TestValidateConfigReportsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "mysql.yaml", mysqlSpec)
	reg, err := registry.Load(dir)
	require.NoError(t, err)

	violations := reg.ValidateConfig("mysql.extractor", registry.ModeRead, map[string]any{})
	require.Len(t, violations, 1)
	assert.Equal(t, "OML_MISSING_FIELD", violations[0].Code)
}

func TestValidateConfigRejectsUnsupportedMode(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "mysql.yaml", mysqlSpec)
	reg, err := registry.Load(dir)
	require.NoError(t, err)

	violations := reg.ValidateConfig("mysql.extractor", registry.ModeWrite, map[string]any{"query": "select 1"})
	require.Len(t, violations, 1)
	assert.Equal(t, "OML_BAD_MODE", violations[0].Code)
}

func TestSpecFingerprintStableAcrossLoadOrder(t *testing.T) {
	dirA := t.TempDir()
	writeSpec(t, dirA, "a.yaml", mysqlSpec)
	writeSpec(t, dirA, "b.yaml", csvSpec)
	regA, err := registry.Load(dirA)
	require.NoError(t, err)

	dirB := t.TempDir()
	writeSpec(t, dirB, "1.yaml", csvSpec)
	writeSpec(t, dirB, "2.yaml", mysqlSpec)
	regB, err := registry.Load(dirB)
	require.NoError(t, err)

	fpA, err := regA.SpecFingerprint()
	require.NoError(t, err)
	fpB, err := regB.SpecFingerprint()
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
}
