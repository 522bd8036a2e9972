package models

import (
	"encoding/json"
	"time"
)

// MatchStatus is the outcome of the matching stage for a payee record
type MatchStatus string

const (
	MatchStatusUnresolved MatchStatus = "unresolved"
	MatchStatusDirect     MatchStatus = "direct"
	MatchStatusAIResolved MatchStatus = "ai_resolved"
	MatchStatusNoMatch    MatchStatus = "no_match"
)

// EnrichmentStatus is the outcome of the enrichment stage for a payee record
type EnrichmentStatus string

const (
	EnrichmentStatusNone      EnrichmentStatus = "none"
	EnrichmentStatusSubmitted EnrichmentStatus = "submitted"
	EnrichmentStatusMatched   EnrichmentStatus = "matched"
	EnrichmentStatusNoMatch   EnrichmentStatus = "no_match"
	EnrichmentStatusError     EnrichmentStatus = "error"
)

// IsTerminal reports whether no further automatic transition happens for the
// enrichment status during normal processing.
func (s EnrichmentStatus) IsTerminal() bool {
	switch s {
	case EnrichmentStatusMatched, EnrichmentStatusNoMatch, EnrichmentStatusError:
		return true
	}
	return false
}

// PayeeRecord is one free-text payee name flowing through a batch
type PayeeRecord struct {
	ID               string           `json:"id" db:"id"`
	TenantID         string           `json:"tenant_id" db:"tenant_id"`
	BatchID          string           `json:"batch_id" db:"batch_id"`
	RawName          string           `json:"raw_name" db:"raw_name"`
	NormalizedName   string           `json:"normalized_name" db:"normalized_name"`
	MatchStatus      MatchStatus      `json:"match_status" db:"match_status"`
	MatchedEntityID  *string          `json:"matched_entity_id,omitempty" db:"matched_entity_id"`
	MatchConfidence  float64          `json:"match_confidence" db:"match_confidence"`
	MatchType        *string          `json:"match_type,omitempty" db:"match_type"`
	MatchReasoning   *string          `json:"match_reasoning,omitempty" db:"match_reasoning"`
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status" db:"enrichment_status"`
	EnrichmentJobID  *string          `json:"enrichment_job_id,omitempty" db:"enrichment_job_id"`
	EnrichmentData   json.RawMessage  `json:"enrichment_data,omitempty" db:"enrichment_data"`
	EnrichmentError  *string          `json:"enrichment_error,omitempty" db:"enrichment_error"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// MatchUpdate is the matching stage result applied to a payee record
type MatchUpdate struct {
	RecordID        string
	NormalizedName  string
	Status          MatchStatus
	MatchedEntityID *string
	Confidence      float64
	MatchType       *string
	Reasoning       *string
}
