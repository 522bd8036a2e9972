package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booyajones/clarity/pkg/arbiter"
	"github.com/booyajones/clarity/pkg/models"
)

type stubCandidateSource struct {
	entities []models.RegistryEntity
	err      error
	calls    int
	lastKey  string
}

func (s *stubCandidateSource) FindCandidates(_ context.Context, key string, _ int) ([]models.RegistryEntity, error) {
	s.calls++
	s.lastKey = key
	return s.entities, s.err
}

type stubArbiter struct {
	decision *arbiter.Decision
	err      error
	calls    int
	lastReq  arbiter.Request
}

func (s *stubArbiter) Review(_ context.Context, req arbiter.Request) (*arbiter.Decision, error) {
	s.calls++
	s.lastReq = req
	return s.decision, s.err
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func entity(id, canonical, normalized string, aliases ...string) models.RegistryEntity {
	return models.RegistryEntity{
		ID:             id,
		CanonicalName:  canonical,
		NormalizedName: normalized,
		Aliases:        aliases,
	}
}

func TestEngine_Resolve_DirectMatch(t *testing.T) {
	source := &stubCandidateSource{entities: []models.RegistryEntity{
		entity("e1", "Walmart", "walmart"),
	}}
	arb := &stubArbiter{}
	engine := NewEngine(testLogger(), source, arb, DefaultConfig())

	result, err := engine.Resolve(context.Background(), "Walmart Inc")
	require.NoError(t, err)

	assert.Equal(t, models.MatchStatusDirect, result.Status)
	assert.Equal(t, "walmart", result.NormalizedName)
	require.NotNil(t, result.Entity)
	assert.Equal(t, "e1", result.Entity.ID)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, MatchTypeExact, result.MatchType)
	assert.Zero(t, arb.calls, "direct match must not consult the arbiter")
}

func TestEngine_Resolve_EmptyName(t *testing.T) {
	source := &stubCandidateSource{}
	engine := NewEngine(testLogger(), source, nil, DefaultConfig())

	_, err := engine.Resolve(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err))
	assert.Zero(t, source.calls, "validation failure must not hit the registry")
}

func TestEngine_Resolve_EmptyKeySkipsRetrieval(t *testing.T) {
	source := &stubCandidateSource{}
	engine := NewEngine(testLogger(), source, nil, DefaultConfig())

	result, err := engine.Resolve(context.Background(), "...")
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusNoMatch, result.Status)
	assert.Zero(t, source.calls)
}

func TestEngine_Resolve_NoCandidates(t *testing.T) {
	source := &stubCandidateSource{}
	engine := NewEngine(testLogger(), source, nil, DefaultConfig())

	result, err := engine.Resolve(context.Background(), "Acme Widgets")
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusNoMatch, result.Status)
	assert.Equal(t, 1, source.calls)
}

func TestEngine_Resolve_AmbiguousBand(t *testing.T) {
	// "j smith plumbing" vs "john smith plumbing" lands between the review
	// and direct thresholds
	entities := []models.RegistryEntity{
		entity("e1", "John Smith Plumbing Services", "john smith plumbing"),
	}

	t.Run("arbiter confirms", func(t *testing.T) {
		source := &stubCandidateSource{entities: entities}
		arb := &stubArbiter{decision: &arbiter.Decision{IsMatch: true, Reasoning: "same business"}}
		engine := NewEngine(testLogger(), source, arb, DefaultConfig())

		result, err := engine.Resolve(context.Background(), "J Smith Plumbing")
		require.NoError(t, err)

		assert.Equal(t, 1, arb.calls)
		assert.Equal(t, "j smith plumbing", arb.lastReq.QueryName)
		assert.Equal(t, "John Smith Plumbing Services", arb.lastReq.CandidateName)
		assert.NotEmpty(t, arb.lastReq.AlgorithmicScores)

		assert.Equal(t, models.MatchStatusAIResolved, result.Status)
		assert.Equal(t, MatchTypeAIEnhanced, result.MatchType)
		assert.Equal(t, "same business", result.Reasoning)
		require.NotNil(t, result.Entity)
		assert.Equal(t, "e1", result.Entity.ID)
		assert.GreaterOrEqual(t, result.Confidence, 0.60)
		assert.Less(t, result.Confidence, 0.85)
	})

	t.Run("arbiter rejects", func(t *testing.T) {
		source := &stubCandidateSource{entities: entities}
		arb := &stubArbiter{decision: &arbiter.Decision{IsMatch: false, Reasoning: "different owners"}}
		engine := NewEngine(testLogger(), source, arb, DefaultConfig())

		result, err := engine.Resolve(context.Background(), "J Smith Plumbing")
		require.NoError(t, err)
		assert.Equal(t, models.MatchStatusNoMatch, result.Status)
		assert.Equal(t, "different owners", result.Reasoning)
		assert.Nil(t, result.Entity)
	})

	t.Run("arbiter failure degrades to no match", func(t *testing.T) {
		source := &stubCandidateSource{entities: entities}
		arb := &stubArbiter{err: errors.New("connection refused")}
		engine := NewEngine(testLogger(), source, arb, DefaultConfig())

		result, err := engine.Resolve(context.Background(), "J Smith Plumbing")
		require.NoError(t, err, "arbiter failure must never fail the record")
		assert.Equal(t, models.MatchStatusNoMatch, result.Status)
	})

	t.Run("no arbiter configured", func(t *testing.T) {
		source := &stubCandidateSource{entities: entities}
		engine := NewEngine(testLogger(), source, nil, DefaultConfig())

		result, err := engine.Resolve(context.Background(), "J Smith Plumbing")
		require.NoError(t, err)
		assert.Equal(t, models.MatchStatusNoMatch, result.Status)
	})
}

func TestEngine_Resolve_BelowReviewThreshold(t *testing.T) {
	source := &stubCandidateSource{entities: []models.RegistryEntity{
		entity("e1", "Completely Different", "completely different"),
	}}
	arb := &stubArbiter{decision: &arbiter.Decision{IsMatch: true}}
	engine := NewEngine(testLogger(), source, arb, DefaultConfig())

	result, err := engine.Resolve(context.Background(), "Zebra Holdings")
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusNoMatch, result.Status)
	assert.Zero(t, arb.calls, "low scores must not consult the arbiter")
}

func TestEngine_Resolve_AliasMatch(t *testing.T) {
	source := &stubCandidateSource{entities: []models.RegistryEntity{
		entity("e1", "International Business Machines", "international business machines", "IBM"),
	}}
	engine := NewEngine(testLogger(), source, nil, DefaultConfig())

	result, err := engine.Resolve(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusDirect, result.Status)
	require.NotNil(t, result.Entity)
	assert.Equal(t, "e1", result.Entity.ID)
}

func TestEngine_TieBreak(t *testing.T) {
	engine := NewEngine(testLogger(), &stubCandidateSource{}, nil, DefaultConfig())

	// Both candidates score 1.0; the shorter canonical name wins
	entities := []models.RegistryEntity{
		entity("long", "Acme Corporation", "acme"),
		entity("short", "Acme", "acme"),
	}

	scored := engine.scoreCandidates("acme", entities)
	require.Len(t, scored, 2)
	assert.Equal(t, "short", scored[0].Entity.ID)

	// Equal scores and lengths fall back to lexical order
	entities = []models.RegistryEntity{
		entity("b", "Bcme", "acme"),
		entity("a", "Acme", "acme"),
	}
	scored = engine.scoreCandidates("acme", entities)
	assert.Equal(t, "a", scored[0].Entity.ID)

	// Determinism across repeated runs regardless of input order
	for i := 0; i < 10; i++ {
		again := engine.scoreCandidates("acme", []models.RegistryEntity{
			entity("a", "Acme", "acme"),
			entity("b", "Bcme", "acme"),
		})
		assert.Equal(t, "a", again[0].Entity.ID)
	}
}

func TestEngine_ResolveRecords(t *testing.T) {
	source := &stubCandidateSource{entities: []models.RegistryEntity{
		entity("e1", "Walmart", "walmart"),
	}}
	engine := NewEngine(testLogger(), source, nil, Config{WorkerCount: 2})

	records := []models.PayeeRecord{
		{ID: "r1", RawName: "Walmart Inc"},
		{ID: "r2", RawName: ""},
		{ID: "r3", RawName: "Zebra Holdings"},
	}

	outcomes := engine.ResolveRecords(context.Background(), records)
	require.Len(t, outcomes, 3)

	assert.Equal(t, "r1", outcomes[0].Record.ID)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, models.MatchStatusDirect, outcomes[0].Update.Status)
	require.NotNil(t, outcomes[0].Update.MatchedEntityID)
	assert.Equal(t, "e1", *outcomes[0].Update.MatchedEntityID)

	assert.Error(t, outcomes[1].Err, "empty names fail per record")

	require.NoError(t, outcomes[2].Err)
	assert.Equal(t, models.MatchStatusNoMatch, outcomes[2].Update.Status)
}

func TestEngine_ResolveRecords_Cancelled(t *testing.T) {
	source := &stubCandidateSource{entities: []models.RegistryEntity{
		entity("e1", "Walmart", "walmart"),
	}}
	engine := NewEngine(testLogger(), source, nil, Config{WorkerCount: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := []models.PayeeRecord{
		{ID: "r1", RawName: "Walmart"},
		{ID: "r2", RawName: "Walmart"},
	}
	outcomes := engine.ResolveRecords(ctx, records)
	require.Len(t, outcomes, 2)
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			assert.ErrorIs(t, outcome.Err, context.Canceled)
		}
	}
}

func TestDecisionBands(t *testing.T) {
	// Bands are disjoint, exhaustive over [0,1], and monotonic
	cfg := DefaultConfig()
	tier := func(score float64) string {
		switch {
		case score >= cfg.DirectThreshold:
			return "direct"
		case score >= cfg.ReviewThreshold:
			return "ambiguous"
		default:
			return "none"
		}
	}

	assert.Equal(t, "direct", tier(1.0))
	assert.Equal(t, "direct", tier(0.85))
	assert.Equal(t, "ambiguous", tier(0.84999))
	assert.Equal(t, "ambiguous", tier(0.60))
	assert.Equal(t, "none", tier(0.59999))
	assert.Equal(t, "none", tier(0.0))

	rank := map[string]int{"none": 0, "ambiguous": 1, "direct": 2}
	prev := 0
	for score := 0.0; score <= 1.0; score += 0.01 {
		current := rank[tier(score)]
		assert.GreaterOrEqual(t, current, prev, "score %f", score)
		prev = current
	}
}
