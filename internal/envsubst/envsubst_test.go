package envsubst_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/osiris/internal/envsubst"
	"github.com/alexisbeaulieu97/osiris/internal/oerrors"
)

func TestSubstituteReplacesNestedEnvRefs(t *testing.T) {
	getenv := func(name string) (string, bool) {
		if name == "DB_PASSWORD" {
			return "hunter2", true
		}
		return "", false
	}
	cfg := map[string]any{
		"resolved_connection": map[string]any{
			"password": "${DB_PASSWORD}",
			"host":     "db.internal",
		},
		"tags": []any{"${DB_PASSWORD}", "literal"},
	}

	out, err := envsubst.Substitute(cfg, getenv, "step-1")
	require.NoError(t, err)
	tree := out.(map[string]any)
	rc := tree["resolved_connection"].(map[string]any)
	assert.Equal(t, "hunter2", rc["password"])
	assert.Equal(t, "db.internal", rc["host"])
	tags := tree["tags"].([]any)
	assert.Equal(t, "hunter2", tags[0])
	assert.Equal(t, "literal", tags[1])
}

func TestSubstituteFailsOnMissingVariable(t *testing.T) {
	getenv := func(string) (string, bool) { return "", false }
	_, err := envsubst.Substitute(map[string]any{"password": "${MISSING}"}, getenv, "step-1")
	require.Error(t, err)

	var envErr *oerrors.EnvError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, "MISSING", envErr.Name)
	assert.Equal(t, "step-1", envErr.StepID)
}
