package canon_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/osiris/internal/canon"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	bytesA, err := canon.Canonicalize(a)
	require.NoError(t, err)
	bytesB, err := canon.Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, string(bytesA), string(bytesB))
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(bytesA))
}

func TestFingerprintRoundTrip(t *testing.T) {
	v := map[string]any{"x": []any{1, 2, 3}, "name": "widget"}

	canonical, err := canon.Canonicalize(v)
	require.NoError(t, err)

	fp1 := canon.FingerprintBytes(canonical)

	tree, err := canon.ToTree(canonical)
	require.NoError(t, err)

	fp2, err := canon.Fingerprint(tree)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)
}

func TestFingerprintDeterministicAcrossInsertionOrder(t *testing.T) {
	orderedA := map[string]any{}
	orderedA["alpha"] = 1
	orderedA["beta"] = 2
	orderedA["gamma"] = 3

	orderedB := map[string]any{}
	orderedB["gamma"] = 3
	orderedB["alpha"] = 1
	orderedB["beta"] = 2

	fpA, err := canon.Fingerprint(orderedA)
	require.NoError(t, err)
	fpB, err := canon.Fingerprint(orderedB)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
}

func TestNonRoundTrippableFloatRejected(t *testing.T) {
	_, err := canon.Canonicalize(map[string]any{"v": math.NaN()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_CANON_FLOAT")

	_, err = canon.Canonicalize(map[string]any{"v": math.Inf(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_CANON_FLOAT")
}
