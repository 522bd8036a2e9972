package enrichment

import (
	"encoding/json"
	"fmt"

	"github.com/booyajones/clarity/pkg/expressions"
	"github.com/booyajones/clarity/pkg/models"
)

// MapperConfig holds the JMESPath expressions used to extract fields from
// provider result records. The provider payload shape is deployment
// configuration, not code.
type MapperConfig struct {
	RecordIDExpr   string
	MatchedExpr    string
	EntityIDExpr   string
	EntityNameExpr string
	CategoryExpr   string
	ConfidenceExpr string
}

// DefaultMapperConfig returns expressions matching the reference provider
// payload shape
func DefaultMapperConfig() MapperConfig {
	return MapperConfig{
		RecordIDExpr:   "recordId",
		MatchedExpr:    "matched",
		EntityIDExpr:   "entity.id",
		EntityNameExpr: "entity.name",
		CategoryExpr:   "entity.category",
		ConfidenceExpr: "confidence",
	}
}

// Mapper translates raw provider result payloads into enrichment results
type Mapper struct {
	evaluator *expressions.Evaluator
	cfg       MapperConfig
}

// NewMapper creates a result mapper and validates its expressions
func NewMapper(cfg MapperConfig) (*Mapper, error) {
	m := &Mapper{
		evaluator: expressions.NewEvaluator(),
		cfg:       cfg,
	}

	for _, expr := range []string{cfg.RecordIDExpr, cfg.EntityIDExpr, cfg.EntityNameExpr, cfg.CategoryExpr, cfg.ConfidenceExpr} {
		if expr == "" {
			continue
		}
		if err := m.evaluator.Validate(expr); err != nil {
			return nil, fmt.Errorf("invalid result expression %q: %w", expr, err)
		}
	}
	if cfg.MatchedExpr != "" {
		if err := m.evaluator.Validate(cfg.MatchedExpr); err != nil {
			return nil, fmt.Errorf("invalid result expression %q: %w", cfg.MatchedExpr, err)
		}
	}

	return m, nil
}

// Map parses a provider result payload (a JSON array of per-record objects)
// into enrichment results. Records missing an extractable record ID are
// skipped and reported so the caller can mark them errored rather than leave
// them dangling.
func (m *Mapper) Map(payload json.RawMessage) ([]models.EnrichmentResult, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil, fmt.Errorf("failed to parse provider results: %w", err)
	}

	results := make([]models.EnrichmentResult, 0, len(raws))
	for i, raw := range raws {
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to parse provider result %d: %w", i, err)
		}

		result, err := m.mapRecord(data, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to map provider result %d: %w", i, err)
		}

		results = append(results, result)
	}

	return results, nil
}

func (m *Mapper) mapRecord(data any, raw json.RawMessage) (models.EnrichmentResult, error) {
	recordID, err := m.evaluator.EvaluateString(m.cfg.RecordIDExpr, data)
	if err != nil {
		return models.EnrichmentResult{}, err
	}
	if recordID == "" {
		return models.EnrichmentResult{}, fmt.Errorf("result record has no value at %q", m.cfg.RecordIDExpr)
	}

	entityID, err := m.evaluator.EvaluateString(m.cfg.EntityIDExpr, data)
	if err != nil {
		return models.EnrichmentResult{}, err
	}
	entityName, err := m.evaluator.EvaluateString(m.cfg.EntityNameExpr, data)
	if err != nil {
		return models.EnrichmentResult{}, err
	}
	category, err := m.evaluator.EvaluateString(m.cfg.CategoryExpr, data)
	if err != nil {
		return models.EnrichmentResult{}, err
	}
	confidence, err := m.evaluator.EvaluateFloat(m.cfg.ConfidenceExpr, data)
	if err != nil {
		return models.EnrichmentResult{}, err
	}

	matched := entityID != ""
	if m.cfg.MatchedExpr != "" {
		matched, err = m.evaluator.EvaluateBool(m.cfg.MatchedExpr, data)
		if err != nil {
			return models.EnrichmentResult{}, err
		}
	}

	result := models.EnrichmentResult{
		RecordID:   recordID,
		Matched:    matched,
		Confidence: confidence,
		Raw:        raw,
	}
	if entityID != "" {
		result.EntityID = &entityID
	}
	if entityName != "" {
		result.EntityName = &entityName
	}
	if category != "" {
		result.Category = &category
	}

	return result, nil
}
