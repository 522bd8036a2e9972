package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageStatusIsTerminal(t *testing.T) {
	assert.False(t, StageStatusPending.IsTerminal())
	assert.False(t, StageStatusInProgress.IsTerminal())
	assert.True(t, StageStatusCompleted.IsTerminal())
	assert.True(t, StageStatusSkipped.IsTerminal())
	assert.True(t, StageStatusError.IsTerminal())
}

func TestBatchOptionsEnabled(t *testing.T) {
	opts := DefaultBatchOptions()
	for _, stage := range StageOrder {
		assert.True(t, opts.Enabled(stage), stage)
	}
	assert.False(t, opts.Enabled("unknown"))

	opts = BatchOptions{Matching: true}
	assert.True(t, opts.Enabled(StageMatching))
	assert.False(t, opts.Enabled(StageEnrichment))
}

func TestStageOrder(t *testing.T) {
	// matching must run before enrichment: only unmatched records enrich
	assert.Equal(t, []string{StageMatching, StageEnrichment}, StageOrder)
}
