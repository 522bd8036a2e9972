package enrichment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapper_Map(t *testing.T) {
	mapper, err := NewMapper(DefaultMapperConfig())
	require.NoError(t, err)

	payload := json.RawMessage(`[
		{"recordId":"r1","matched":true,"confidence":0.92,"entity":{"id":"e1","name":"Acme Corporation","category":"manufacturing"}},
		{"recordId":"r2","matched":false,"confidence":0.1}
	]`)

	results, err := mapper.Map(payload)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "r1", results[0].RecordID)
	assert.True(t, results[0].Matched)
	assert.Equal(t, 0.92, results[0].Confidence)
	require.NotNil(t, results[0].EntityID)
	assert.Equal(t, "e1", *results[0].EntityID)
	require.NotNil(t, results[0].EntityName)
	assert.Equal(t, "Acme Corporation", *results[0].EntityName)
	require.NotNil(t, results[0].Category)
	assert.Equal(t, "manufacturing", *results[0].Category)
	assert.JSONEq(t, `{"recordId":"r1","matched":true,"confidence":0.92,"entity":{"id":"e1","name":"Acme Corporation","category":"manufacturing"}}`, string(results[0].Raw))

	assert.Equal(t, "r2", results[1].RecordID)
	assert.False(t, results[1].Matched)
	assert.Nil(t, results[1].EntityID)
	assert.Nil(t, results[1].EntityName)
	assert.Nil(t, results[1].Category)
}

func TestMapper_MapCustomExpressions(t *testing.T) {
	mapper, err := NewMapper(MapperConfig{
		RecordIDExpr:   "meta.ref",
		EntityIDExpr:   "best_match.identifier",
		EntityNameExpr: "best_match.label",
		CategoryExpr:   "best_match.kind",
		ConfidenceExpr: "best_match.score",
	})
	require.NoError(t, err)

	payload := json.RawMessage(`[
		{"meta":{"ref":"r9"},"best_match":{"identifier":"e7","label":"Globex","kind":"retail","score":0.66}}
	]`)

	results, err := mapper.Map(payload)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "r9", results[0].RecordID)
	// no matched expression configured, so a present entity ID means matched
	assert.True(t, results[0].Matched)
	assert.Equal(t, 0.66, results[0].Confidence)
}

func TestMapper_MapMissingRecordID(t *testing.T) {
	mapper, err := NewMapper(DefaultMapperConfig())
	require.NoError(t, err)

	_, err = mapper.Map(json.RawMessage(`[{"matched":true}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recordId")
}

func TestMapper_MapEmptyPayload(t *testing.T) {
	mapper, err := NewMapper(DefaultMapperConfig())
	require.NoError(t, err)

	results, err := mapper.Map(nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = mapper.Map(json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMapper_MapMalformedPayload(t *testing.T) {
	mapper, err := NewMapper(DefaultMapperConfig())
	require.NoError(t, err)

	_, err = mapper.Map(json.RawMessage(`{"not":"an array"}`))
	require.Error(t, err)
}

func TestNewMapper_InvalidExpression(t *testing.T) {
	cfg := DefaultMapperConfig()
	cfg.EntityIDExpr = "entity.["
	_, err := NewMapper(cfg)
	require.Error(t, err)
}
