package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	e := NewEvaluator()
	data := map[string]any{
		"entity": map[string]any{
			"id":   "ent-1",
			"name": "ACME Corp",
		},
		"confidence": 0.92,
	}

	result, err := e.Evaluate("entity.name", data)
	require.NoError(t, err)
	assert.Equal(t, "ACME Corp", result)

	result, err = e.Evaluate("missing.path", data)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestEvaluateInvalidExpression(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate("entity..", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid expression")
}

func TestEvaluateString(t *testing.T) {
	e := NewEvaluator()
	data := map[string]any{"id": "rec-1", "count": float64(3)}

	s, err := e.EvaluateString("id", data)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", s)

	// non-string results render via Sprintf
	s, err = e.EvaluateString("count", data)
	require.NoError(t, err)
	assert.Equal(t, "3", s)

	s, err = e.EvaluateString("missing", data)
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestEvaluateFloat(t *testing.T) {
	e := NewEvaluator()
	data := map[string]any{"confidence": 0.92, "name": "ACME"}

	f, err := e.EvaluateFloat("confidence", data)
	require.NoError(t, err)
	assert.InDelta(t, 0.92, f, 0.0001)

	f, err = e.EvaluateFloat("missing", data)
	require.NoError(t, err)
	assert.Zero(t, f)

	_, err = e.EvaluateFloat("name", data)
	assert.Error(t, err)
}

func TestEvaluateBool(t *testing.T) {
	e := NewEvaluator()
	data := map[string]any{
		"matched": true,
		"id":      "rec-1",
		"empty":   "",
		"zero":    float64(0),
		"items":   []any{"a"},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"matched", true},
		{"id", true},
		{"empty", false},
		{"zero", false},
		{"items", true},
		{"missing", false},
	}

	for _, tt := range tests {
		got, err := e.EvaluateBool(tt.expr, data)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestValidateCachesCompiledExpressions(t *testing.T) {
	e := NewEvaluator()

	require.NoError(t, e.Validate("entity.id"))
	assert.Len(t, e.cache, 1)

	// repeat evaluation reuses the cached program
	_, err := e.Evaluate("entity.id", map[string]any{})
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	assert.Error(t, e.Validate("]["))
}
