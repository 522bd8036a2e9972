// Package matching resolves payee names against the reference registry
package matching

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/booyajones/clarity/pkg/arbiter"
	"github.com/booyajones/clarity/pkg/metrics"
	"github.com/booyajones/clarity/pkg/models"
	"github.com/booyajones/clarity/pkg/normalizers"
	"github.com/booyajones/clarity/pkg/tracing"
)

// CandidateSource returns registry candidates for a normalized key. The
// lookup covers exact key, substring containment in both directions, and
// alias fields, capped at limit.
type CandidateSource interface {
	FindCandidates(ctx context.Context, normalizedKey string, limit int) ([]models.RegistryEntity, error)
}

// Config contains configuration for the match engine.
type Config struct {
	DirectThreshold float64 // Score at or above which a match auto-accepts (default: 0.85)
	ReviewThreshold float64 // Score at or above which an ambiguous match escalates to the arbiter (default: 0.60)
	MaxCandidates   int     // Maximum candidates retrieved per query (default: 50)
	WorkerCount     int     // Concurrent record resolutions per batch (default: 4)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DirectThreshold: 0.85,
		ReviewThreshold: 0.60,
		MaxCandidates:   50,
		WorkerCount:     4,
	}
}

// Engine composes the normalizer, candidate retrieval, scorer, and decision
// tiers into per-record payee resolution.
type Engine struct {
	log        ectologger.Logger
	candidates CandidateSource
	arbiter    arbiter.Client
	scorer     *Scorer
	cfg        Config
}

// NewEngine creates a new match engine. The arbiter may be nil, in which case
// ambiguous candidates resolve to no match.
func NewEngine(log ectologger.Logger, candidates CandidateSource, arb arbiter.Client, cfg Config) *Engine {
	if cfg.DirectThreshold == 0 {
		cfg.DirectThreshold = DefaultConfig().DirectThreshold
	}
	if cfg.ReviewThreshold == 0 {
		cfg.ReviewThreshold = DefaultConfig().ReviewThreshold
	}
	if cfg.MaxCandidates == 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}

	return &Engine{
		log:        log,
		candidates: candidates,
		arbiter:    arb,
		scorer:     NewScorer(),
		cfg:        cfg,
	}
}

// Candidate is one scored registry entity
type Candidate struct {
	Entity          models.RegistryEntity `json:"entity"`
	Score           float64               `json:"score"`
	MatchType       string                `json:"matchType"`
	AlgorithmScores map[string]float64    `json:"algorithmScores"`
}

// Result is the final resolution for one payee name
type Result struct {
	NormalizedName string                 `json:"normalizedName"`
	Status         models.MatchStatus     `json:"status"`
	Entity         *models.RegistryEntity `json:"entity,omitempty"`
	Confidence     float64                `json:"confidence"`
	MatchType      string                 `json:"matchType,omitempty"`
	Reasoning      string                 `json:"reasoning,omitempty"`
	Candidates     int                    `json:"candidates"`
}

// Resolve matches one raw payee name against the registry. The decision is
// tiered: scores at or above DirectThreshold auto-accept; scores in the
// ambiguous band escalate the best candidate to the arbiter; everything else
// is no match. Arbiter failure degrades to no match and never propagates.
func (e *Engine) Resolve(ctx context.Context, rawName string) (*Result, error) {
	start := time.Now()

	result, err := e.resolve(ctx, rawName)
	if err == nil && result != nil {
		metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
		metrics.ResolutionsTotal.WithLabelValues(string(result.Status), result.MatchType).Inc()
	}

	return result, err
}

func (e *Engine) resolve(ctx context.Context, rawName string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.Resolve")
	defer span.End()

	if strings.TrimSpace(rawName) == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "payee name is required")
	}

	key := normalizers.NormalizeBusinessName(rawName)

	log := e.log.WithContext(ctx).WithFields(map[string]any{
		"raw_name":       rawName,
		"normalized_key": key,
	})

	if key == "" {
		log.Debug("Name normalized to empty key; no match")
		return &Result{NormalizedName: key, Status: models.MatchStatusNoMatch}, nil
	}

	entities, err := e.candidates.FindCandidates(ctx, key, e.cfg.MaxCandidates)
	if err != nil {
		return nil, err
	}

	if len(entities) == 0 {
		log.Debug("No registry candidates for key")
		return &Result{NormalizedName: key, Status: models.MatchStatusNoMatch}, nil
	}

	scored := e.scoreCandidates(key, entities)
	best := scored[0]

	log = log.WithFields(map[string]any{
		"candidate_count": len(scored),
		"best_entity_id":  best.Entity.ID,
		"best_score":      best.Score,
	})

	switch {
	case best.Score >= e.cfg.DirectThreshold:
		log.WithFields(map[string]any{"match_type": best.MatchType}).Debug("Direct match")
		return &Result{
			NormalizedName: key,
			Status:         models.MatchStatusDirect,
			Entity:         &best.Entity,
			Confidence:     best.Score,
			MatchType:      best.MatchType,
			Candidates:     len(scored),
		}, nil

	case best.Score >= e.cfg.ReviewThreshold:
		return e.escalate(ctx, key, best, len(scored)), nil

	default:
		log.Debug("Best score below review threshold; no match")
		return &Result{NormalizedName: key, Status: models.MatchStatusNoMatch, Candidates: len(scored)}, nil
	}
}

// scoreCandidates scores every entity against the query key and returns them
// sorted best-first. A candidate's score is its best across the canonical
// normalized name and every alias. Ordering is deterministic: score
// descending, then shortest canonical name, then lexical.
func (e *Engine) scoreCandidates(key string, entities []models.RegistryEntity) []Candidate {
	scored := make([]Candidate, 0, len(entities))

	for _, entity := range entities {
		names := make([]string, 0, 1+len(entity.Aliases))
		names = append(names, entity.NormalizedName)
		for _, alias := range entity.Aliases {
			names = append(names, normalizers.NormalizeBusinessName(alias))
		}

		best := ScoreResult{}
		for _, name := range names {
			if name == "" {
				continue
			}
			result := e.scorer.Score(key, name, e.cfg.DirectThreshold)
			if result.Score > best.Score {
				best = result
			}
			if best.Score >= e.cfg.DirectThreshold {
				break
			}
		}

		scored = append(scored, Candidate{
			Entity:          entity,
			Score:           best.Score,
			MatchType:       best.MatchType,
			AlgorithmScores: best.AlgorithmScores,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if len(scored[i].Entity.CanonicalName) != len(scored[j].Entity.CanonicalName) {
			return len(scored[i].Entity.CanonicalName) < len(scored[j].Entity.CanonicalName)
		}
		return scored[i].Entity.CanonicalName < scored[j].Entity.CanonicalName
	})

	return scored
}

// escalate asks the arbiter about the best ambiguous candidate. Only the top
// candidate is escalated; arbiter errors degrade to no match.
func (e *Engine) escalate(ctx context.Context, key string, best Candidate, candidateCount int) *Result {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.escalate")
	defer span.End()

	log := e.log.WithContext(ctx).WithFields(map[string]any{
		"normalized_key": key,
		"entity_id":      best.Entity.ID,
		"score":          best.Score,
	})

	noMatch := &Result{NormalizedName: key, Status: models.MatchStatusNoMatch, Candidates: candidateCount}

	if e.arbiter == nil {
		log.Debug("Ambiguous candidate with no arbiter configured; no match")
		return noMatch
	}

	decision, err := e.arbiter.Review(ctx, arbiter.Request{
		QueryName:         key,
		CandidateName:     best.Entity.CanonicalName,
		AlgorithmicScores: best.AlgorithmScores,
	})
	if err != nil {
		log.WithError(err).Warn("Arbiter unavailable; degrading to no match")
		metrics.ArbiterReviewsTotal.WithLabelValues("unavailable").Inc()
		noMatch.Reasoning = "arbiter unavailable"
		return noMatch
	}

	if !decision.IsMatch {
		log.Debug("Arbiter rejected candidate")
		metrics.ArbiterReviewsTotal.WithLabelValues("rejected").Inc()
		noMatch.Reasoning = decision.Reasoning
		return noMatch
	}

	log.Debug("Arbiter confirmed candidate")
	metrics.ArbiterReviewsTotal.WithLabelValues("confirmed").Inc()
	return &Result{
		NormalizedName: key,
		Status:         models.MatchStatusAIResolved,
		Entity:         &best.Entity,
		Confidence:     best.Score,
		MatchType:      MatchTypeAIEnhanced,
		Reasoning:      decision.Reasoning,
		Candidates:     candidateCount,
	}
}

// RecordOutcome pairs a payee record with its resolution or error
type RecordOutcome struct {
	Record models.PayeeRecord
	Update models.MatchUpdate
	Err    error
}

// ResolveRecords resolves a set of payee records through a bounded worker
// pool. Individual failures are reported per record, never as a batch error.
// Outcomes are returned in input order.
func (e *Engine) ResolveRecords(ctx context.Context, records []models.PayeeRecord) []RecordOutcome {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.ResolveRecords")
	defer span.End()

	outcomes := make([]RecordOutcome, len(records))
	indexes := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < e.cfg.WorkerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				outcomes[i] = e.resolveRecord(ctx, records[i])
			}
		}()
	}

	for i := range records {
		select {
		case indexes <- i:
		case <-ctx.Done():
			for j := i; j < len(records); j++ {
				outcomes[j] = RecordOutcome{Record: records[j], Err: ctx.Err()}
			}
			close(indexes)
			wg.Wait()
			return outcomes
		}
	}
	close(indexes)
	wg.Wait()

	return outcomes
}

func (e *Engine) resolveRecord(ctx context.Context, record models.PayeeRecord) RecordOutcome {
	result, err := e.Resolve(ctx, record.RawName)
	if err != nil {
		return RecordOutcome{Record: record, Err: err}
	}

	update := models.MatchUpdate{
		RecordID:       record.ID,
		NormalizedName: result.NormalizedName,
		Status:         result.Status,
		Confidence:     result.Confidence,
	}
	if result.Entity != nil {
		update.MatchedEntityID = &result.Entity.ID
	}
	if result.MatchType != "" {
		matchType := result.MatchType
		update.MatchType = &matchType
	}
	if result.Reasoning != "" {
		reasoning := result.Reasoning
		update.Reasoning = &reasoning
	}

	return RecordOutcome{Record: record, Update: update}
}
