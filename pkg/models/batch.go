package models

import (
	"time"

	"github.com/booyajones/clarity/pkg/database"
)

// BatchStatus is the overall lifecycle state of a payee batch
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusCancelled  BatchStatus = "cancelled"
	BatchStatusError      BatchStatus = "error"
)

// Stage names, in pipeline order
const (
	StageMatching   = "matching"
	StageEnrichment = "enrichment"
)

// StageOrder is the canonical execution order of pipeline stages
var StageOrder = []string{StageMatching, StageEnrichment}

// StageStatus is the state of one (batch, stage) pair
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusSkipped    StageStatus = "skipped"
	StageStatusError      StageStatus = "error"
)

// IsTerminal reports whether the stage cannot advance further without an
// explicit reopen
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusSkipped, StageStatusError:
		return true
	}
	return false
}

// BatchOptions toggles pipeline stages per batch
type BatchOptions struct {
	Matching   bool `json:"matching"`
	Enrichment bool `json:"enrichment"`
}

// DefaultBatchOptions enables every stage
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{Matching: true, Enrichment: true}
}

// Enabled reports whether the named stage is enabled for the batch
func (o BatchOptions) Enabled(stage string) bool {
	switch stage {
	case StageMatching:
		return o.Matching
	case StageEnrichment:
		return o.Enrichment
	}
	return false
}

// Batch is one uploaded set of payee records moving through the pipeline
type Batch struct {
	ID           string                       `json:"id" db:"id"`
	TenantID     string                       `json:"tenant_id" db:"tenant_id"`
	Name         string                       `json:"name" db:"name"`
	Status       BatchStatus                  `json:"status" db:"status"`
	Options      database.JSONB[BatchOptions] `json:"options" db:"options"`
	TotalRecords int                          `json:"total_records" db:"total_records"`
	CurrentStage *string                      `json:"current_stage,omitempty" db:"current_stage"`
	Error        *string                      `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time                    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time                    `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time                   `json:"completed_at,omitempty" db:"completed_at"`
}

// BatchStage is the persisted progress row for one (batch, stage) pair
type BatchStage struct {
	BatchID        string      `json:"batch_id" db:"batch_id"`
	Stage          string      `json:"stage" db:"stage"`
	Status         StageStatus `json:"status" db:"status"`
	ProcessedCount int         `json:"processed_count" db:"processed_count"`
	TotalCount     int         `json:"total_count" db:"total_count"`
	Error          *string     `json:"error,omitempty" db:"error"`
	StartedAt      *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// BatchProgress is the status payload returned to callers
type BatchProgress struct {
	Batch      Batch        `json:"batch"`
	Stages     []BatchStage `json:"stages"`
	IsComplete bool         `json:"is_complete"`
}
