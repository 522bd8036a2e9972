package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of an enrichment job
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusPolling   JobStatus = "polling"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timed_out"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job has reached its final state
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	}
	return false
}

// EnrichmentJob is one sub-batch submitted to the enrichment provider.
// RecordIDs is a partition element: every record needing enrichment in the
// batch appears in exactly one job.
type EnrichmentJob struct {
	ID            string          `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	BatchID       string          `json:"batch_id" db:"batch_id"`
	ExternalJobID *string         `json:"external_job_id,omitempty" db:"external_job_id"`
	Seq           int             `json:"seq" db:"seq"`
	Status        JobStatus       `json:"status" db:"status"`
	RecordIDs     StringSlice     `json:"record_ids" db:"record_ids"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty" db:"submitted_at"`
	PollAttempts  int             `json:"poll_attempts" db:"poll_attempts"`
	PollFailures  int             `json:"poll_failures" db:"poll_failures"`
	LastPolledAt  *time.Time      `json:"last_polled_at,omitempty" db:"last_polled_at"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty" db:"result_payload"`
	Error         *string         `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Elapsed returns how long the job has been outstanding since submission
func (j *EnrichmentJob) Elapsed(now time.Time) time.Duration {
	if j.SubmittedAt == nil {
		return 0
	}
	return now.Sub(*j.SubmittedAt)
}

// EnrichmentResult is one provider result translated into domain terms
type EnrichmentResult struct {
	RecordID   string          `json:"record_id"`
	Matched    bool            `json:"matched"`
	EntityID   *string         `json:"entity_id,omitempty"`
	EntityName *string         `json:"entity_name,omitempty"`
	Category   *string         `json:"category,omitempty"`
	Confidence float64         `json:"confidence"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}
