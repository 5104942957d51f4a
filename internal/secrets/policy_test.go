package secrets_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/osiris/internal/secrets"
)

func TestMaskReplacesScalar(t *testing.T) {
	policy := secrets.Policy{Paths: []string{"resolved_connection/password"}}
	value := map[string]any{
		"resolved_connection": map[string]any{
			"password": "hunter2",
			"host":     "db.internal",
		},
	}

	masked, didMask, err := secrets.Mask(policy, value)
	require.NoError(t, err)
	assert.True(t, didMask)

	rc := masked.(map[string]any)["resolved_connection"].(map[string]any)
	assert.Equal(t, "***", rc["password"])
	assert.Equal(t, "db.internal", rc["host"])
}

func TestMaskDropStrategyRemovesKey(t *testing.T) {
	policy := secrets.Policy{Paths: []string{"token"}, Strategy: secrets.StrategyDrop}
	value := map[string]any{"token": "abc", "other": 1}

	masked, didMask, err := secrets.Mask(policy, value)
	require.NoError(t, err)
	assert.True(t, didMask)

	out := masked.(map[string]any)
	_, exists := out["token"]
	assert.False(t, exists)
	assert.Equal(t, 1, out["other"])
}

func TestMaskHashStrategyIsDeterministic(t *testing.T) {
	policy := secrets.Policy{Paths: []string{"secret"}, Strategy: secrets.StrategyHash}
	value := map[string]any{"secret": "hunter2"}

	masked1, _, err := secrets.Mask(policy, value)
	require.NoError(t, err)
	masked2, _, err := secrets.Mask(policy, value)
	require.NoError(t, err)

	h1 := masked1.(map[string]any)["secret"].(string)
	h2 := masked2.(map[string]any)["secret"].(string)
	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, "sha256:")
}

func TestAssertNoLeakRejectsRawValue(t *testing.T) {
	policy := secrets.Policy{Paths: []string{"password"}}
	value := map[string]any{"password": "hunter2"}

	err := secrets.AssertNoLeak(policy, value, func(string) bool { return false })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_SECRET_LEAK")
}

func TestAssertNoLeakAllowsMaskTokenAndEnvRef(t *testing.T) {
	policy := secrets.Policy{Paths: []string{"password"}}

	masked := map[string]any{"password": "***"}
	require.NoError(t, secrets.AssertNoLeak(policy, masked, nil))

	envRef := map[string]any{"password": "MYSQL_PASSWORD"}
	require.NoError(t, secrets.AssertNoLeak(policy, envRef, func(s string) bool { return s == "MYSQL_PASSWORD" }))
}

func TestSplitPathEscaping(t *testing.T) {
	segs := secrets.SplitPath("a~1b/c~0d")
	assert.Equal(t, []string{"a/b", "c~d"}, segs)
}

func TestMaskSequenceIndex(t *testing.T) {
	policy := secrets.Policy{Paths: []string{"items/1/secret"}}
	value := map[string]any{
		"items": []any{
			map[string]any{"secret": "a"},
			map[string]any{"secret": "b"},
		},
	}

	masked, didMask, err := secrets.Mask(policy, value)
	require.NoError(t, err)
	assert.True(t, didMask)

	items := masked.(map[string]any)["items"].([]any)
	assert.Equal(t, "a", items[0].(map[string]any)["secret"])
	assert.Equal(t, "***", items[1].(map[string]any)["secret"])
}
