package canonical

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}}
	got, err := Canonicalize(a)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":{"y":false,"z":true}}`, string(got))
}

func TestCanonicalizePreservesArrayOrder(t *testing.T) {
	got, err := Canonicalize([]any{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, `[3,1,2]`, string(got))
}

func TestCanonicalizeNumbers(t *testing.T) {
	got, err := Canonicalize(map[string]any{"i": 1, "f": 1.0, "e": 2.5})
	require.NoError(t, err)
	assert.Equal(t, `{"e":2.5,"f":1,"i":1}`, string(got))
}

func TestCanonicalizeRejectsNonFinite(t *testing.T) {
	_, err := Canonicalize(map[string]any{"x": math.NaN()})
	assert.Error(t, err)

	_, err = Canonicalize(map[string]any{"x": math.Inf(1)})
	assert.Error(t, err)
}

func TestCanonicalizeRejectsBigIntegers(t *testing.T) {
	_, err := Canonicalize(map[string]any{"x": int64(1) << 60})
	assert.Error(t, err)
}

func TestHashStableUnderKeyReordering(t *testing.T) {
	a := map[string]any{"path": "a", "mode": "r", "opts": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"opts": map[string]any{"y": 2, "x": 1}, "mode": "r", "path": "a"}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHashFormat(t *testing.T) {
	h, err := Hash(map[string]any{})
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, h)
}

func TestHashDistinguishesValues(t *testing.T) {
	ha, err := Hash(map[string]any{"a": 1})
	require.NoError(t, err)
	hb, err := Hash(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestHashIntegerFloatEquivalence(t *testing.T) {
	ha, err := Hash(map[string]any{"n": 1})
	require.NoError(t, err)
	hb, err := Hash(map[string]any{"n": 1.0})
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}
