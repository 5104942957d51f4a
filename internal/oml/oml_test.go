package oml_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/osiris/internal/diagnostic"
	"github.com/alexisbeaulieu97/osiris/internal/oml"
	"github.com/alexisbeaulieu97/osiris/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Add(registry.ComponentSpec{
		Name:    "mysql.extractor",
		Version: "1.0.0",
		Modes:   []registry.Mode{registry.ModeRead},
		ConfigSchema: registry.ConfigSchema{
			Required: []string{"query"},
			Properties: map[string]registry.PropertySpec{
				"query":               {Type: "string"},
				"resolved_connection": {Type: "object"},
			},
		},
		SecretPaths: []string{"resolved_connection/password"},
	}))
	require.NoError(t, reg.Add(registry.ComponentSpec{
		Name:    "filesystem.csv_writer",
		Version: "1.0.0",
		Modes:   []registry.Mode{registry.ModeWrite},
		ConfigSchema: registry.ConfigSchema{
			Required: []string{"path"},
			Properties: map[string]registry.PropertySpec{
				"path": {Type: "string"},
			},
		},
	}))
	return reg
}

const validDoc = `
oml_version: "0.1.0"
pipeline_id: customer-extract
steps:
  - id: extract
    component: mysql.extractor
    mode: read
    config:
      query: "select * from customers"
      resolved_connection:
        password: "${DB_PASSWORD}"
  - id: write
    component: filesystem.csv_writer
    mode: write
    config:
      path: "/tmp/out.csv"
    needs: [extract]
    inputs:
      rows:
        from_step: extract
        key: rows
`

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	doc, err := oml.Parse([]byte(validDoc))
	require.NoError(t, err)

	violations := oml.Validate(doc, testRegistry(t))
	assert.Empty(t, violations)
}

func TestValidateRejectsForbiddenTopLevelKey(t *testing.T) {
	data := `
oml_version: "0.1.0"
pipeline_id: legacy
version: 1
steps:
  - id: extract
    component: mysql.extractor
    mode: read
    config:
      query: "select 1"
`
	doc, err := oml.Parse([]byte(data))
	require.NoError(t, err)

	violations := oml.Validate(doc, testRegistry(t))
	require.NotEmpty(t, violations)
	assert.Equal(t, "OML_FORBIDDEN_KEY", violations[0].Code)
}

func TestValidateRejectsBadVersion(t *testing.T) {
	data := `
oml_version: "0.2.0"
pipeline_id: bad-version
steps:
  - id: extract
    component: mysql.extractor
    mode: read
    config:
      query: "select 1"
`
	doc, err := oml.Parse([]byte(data))
	require.NoError(t, err)

	violations := oml.Validate(doc, testRegistry(t))
	codes := codesOf(violations)
	assert.Contains(t, codes, "OML_BAD_PATTERN")
}

func TestValidateRejectsUnknownComponent(t *testing.T) {
	data := `
oml_version: "0.1.0"
pipeline_id: unknown-component
steps:
  - id: extract
    component: does.not.exist
    mode: read
    config: {}
`
	doc, err := oml.Parse([]byte(data))
	require.NoError(t, err)

	violations := oml.Validate(doc, testRegistry(t))
	codes := codesOf(violations)
	assert.Contains(t, codes, "OML_UNKNOWN_COMPONENT")
}

func TestValidateRejectsDependencyCycle(t *testing.T) {
	data := `
oml_version: "0.1.0"
pipeline_id: cyclic
steps:
  - id: a
    component: mysql.extractor
    mode: read
    config:
      query: "select 1"
    needs: [b]
  - id: b
    component: mysql.extractor
    mode: read
    config:
      query: "select 1"
    needs: [a]
`
	doc, err := oml.Parse([]byte(data))
	require.NoError(t, err)

	violations := oml.Validate(doc, testRegistry(t))
	codes := codesOf(violations)
	assert.Contains(t, codes, "OML_DEP_CYCLE")
}

func TestValidateRejectsInlineSecret(t *testing.T) {
	data := `
oml_version: "0.1.0"
pipeline_id: inline-secret
steps:
  - id: extract
    component: mysql.extractor
    mode: read
    config:
      query: "select 1"
      resolved_connection:
        password: "hunter2"
`
	doc, err := oml.Parse([]byte(data))
	require.NoError(t, err)

	violations := oml.Validate(doc, testRegistry(t))
	codes := codesOf(violations)
	assert.Contains(t, codes, "OML_INLINE_SECRET")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	data := `
oml_version: "0.1.0"
pipeline_id: dangling
steps:
  - id: write
    component: filesystem.csv_writer
    mode: write
    config:
      path: "/tmp/out.csv"
    needs: [missing]
`
	doc, err := oml.Parse([]byte(data))
	require.NoError(t, err)

	violations := oml.Validate(doc, testRegistry(t))
	codes := codesOf(violations)
	assert.Contains(t, codes, "OML_DEP_UNKNOWN")
}

func TestParseNormalizesLoadModeAliasToWrite(t *testing.T) {
	data := `
oml_version: "0.1.0"
pipeline_id: load-alias
steps:
  - id: write
    component: filesystem.csv_writer
    mode: load
    config:
      path: "/tmp/out.csv"
`
	doc, err := oml.Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, doc.Steps, 1)
	assert.Equal(t, "write", doc.Steps[0].Mode)

	violations := oml.Validate(doc, testRegistry(t))
	assert.Empty(t, violations)
}

func codesOf(violations []diagnostic.Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.Code
	}
	return out
}
