// Package enrichmentjob persists enrichment jobs and their completion claims
package enrichmentjob

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/booyajones/clarity/pkg/database"
	"github.com/booyajones/clarity/pkg/models"
	"github.com/booyajones/clarity/pkg/tracing"
)

const jobColumns = "id, tenant_id, batch_id, external_job_id, seq, status, record_ids, submitted_at, poll_attempts, poll_failures, last_polled_at, result_payload, error, created_at, updated_at"

// Repository handles enrichment job persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new enrichment job repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database handle for transactional operations.
func (r *Repository) DB() database.DB {
	return r.db
}

// Create persists a new job in created state
func (r *Repository) Create(ctx context.Context, job *models.EnrichmentJob) (*models.EnrichmentJob, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.Create")
	defer span.End()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusCreated
	}
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("enrichment_jobs")
	sb.Cols("id", "tenant_id", "batch_id", "seq", "status", "record_ids", "created_at", "updated_at")
	sb.Values(job.ID, job.TenantID, job.BatchID, job.Seq, job.Status, job.RecordIDs, job.CreatedAt, job.UpdatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"batch_id": job.BatchID}).Error("Failed to create enrichment job")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create enrichment job")
	}

	return job, nil
}

// Get retrieves a job by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.EnrichmentJob, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(jobColumns)
	sb.From("enrichment_jobs")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var job models.EnrichmentJob
	if err := r.db.GetContext(ctx, &job, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("enrichment job %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get enrichment job")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get enrichment job")
	}

	return &job, nil
}

// GetByExternalID retrieves the job tied to a provider job id. Returns nil
// when no such job exists, which webhook handlers treat as an unknown event.
func (r *Repository) GetByExternalID(ctx context.Context, externalJobID string) (*models.EnrichmentJob, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.GetByExternalID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(jobColumns)
	sb.From("enrichment_jobs")
	sb.Where(sb.Equal("external_job_id", externalJobID))

	query, args := sb.Build()
	var job models.EnrichmentJob
	if err := r.db.GetContext(ctx, &job, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get enrichment job by external id")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get enrichment job")
	}

	return &job, nil
}

// ListByBatch retrieves all jobs of a batch ordered by sub-batch sequence
func (r *Repository) ListByBatch(ctx context.Context, batchID string) ([]models.EnrichmentJob, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.ListByBatch")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(jobColumns)
	sb.From("enrichment_jobs")
	sb.Where(sb.Equal("batch_id", batchID))
	sb.OrderBy("seq")

	query, args := sb.Build()
	var jobs []models.EnrichmentJob
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list enrichment jobs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list enrichment jobs")
	}

	return jobs, nil
}

// ListActive retrieves jobs awaiting completion across all batches
func (r *Repository) ListActive(ctx context.Context) ([]models.EnrichmentJob, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.ListActive")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(jobColumns)
	sb.From("enrichment_jobs")
	sb.Where(sb.In("status", models.JobStatusSubmitted, models.JobStatusPolling))
	sb.OrderBy("submitted_at")

	query, args := sb.Build()
	var jobs []models.EnrichmentJob
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list active enrichment jobs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list active enrichment jobs")
	}

	return jobs, nil
}

// ListStaleCreated retrieves jobs stranded in created state past the cutoff.
// A job sits in created only between creation and submission, so an old one
// means the process died before the provider accepted it.
func (r *Repository) ListStaleCreated(ctx context.Context, olderThan time.Time) ([]models.EnrichmentJob, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.ListStaleCreated")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(jobColumns)
	sb.From("enrichment_jobs")
	sb.Where(
		sb.Equal("status", models.JobStatusCreated),
		sb.LessThan("created_at", olderThan),
	)
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var jobs []models.EnrichmentJob
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list stale created enrichment jobs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stale created enrichment jobs")
	}

	return jobs, nil
}

// MarkSubmitted records the provider job id after a successful submit
func (r *Repository) MarkSubmitted(ctx context.Context, jobID, externalJobID string) error {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.MarkSubmitted")
	defer span.End()

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("enrichment_jobs")
	ub.Set(
		ub.Assign("status", models.JobStatusSubmitted),
		ub.Assign("external_job_id", externalJobID),
		ub.Assign("submitted_at", now),
		ub.Assign("updated_at", now),
	)
	ub.Where(
		ub.Equal("id", jobID),
		ub.Equal("status", models.JobStatusCreated),
	)

	query, args := ub.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID}).Error("Failed to mark job submitted")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark job submitted")
	}

	return nil
}

// RecordPoll bumps the poll counters after a status check. A successful poll
// resets the consecutive failure count; a failed poll increments it. The job
// moves to polling on its first poll.
func (r *Repository) RecordPoll(ctx context.Context, jobID string, failed bool) error {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.RecordPoll")
	defer span.End()

	failureExpr := "0"
	if failed {
		failureExpr = "poll_failures + 1"
	}

	query := `
		UPDATE enrichment_jobs
		SET status = $2,
		    poll_attempts = poll_attempts + 1,
		    poll_failures = ` + failureExpr + `,
		    last_polled_at = $3,
		    updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query, jobID, models.JobStatusPolling, now, models.JobStatusSubmitted, models.JobStatusPolling)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID}).Error("Failed to record poll")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record poll")
	}

	return nil
}

// ClaimCompleted atomically flips a live job to completed and stores the
// provider payload. Exactly one caller wins the claim; every later call
// returns false. Joins the caller's transaction when one is open on the
// context, so the claim and the result fan-out commit together.
func (r *Repository) ClaimCompleted(ctx context.Context, jobID string, resultPayload json.RawMessage) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.ClaimCompleted")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE enrichment_jobs
		SET status = $2, result_payload = $3, updated_at = $4
		WHERE id = $1 AND status IN ($5, $6)
	`

	result, err := tx.ExecContext(ctx, query, jobID, models.JobStatusCompleted, []byte(resultPayload), time.Now().UTC(), models.JobStatusSubmitted, models.JobStatusPolling)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID}).Error("Failed to claim job completion")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim job completion")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim job completion")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit job completion")
	}

	return rows == 1, nil
}

// MarkTerminal flips a live job to a terminal failure state (failed,
// timed_out, or cancelled) with a reason. Returns whether this call made the
// transition. Joins the caller's transaction when one is open.
func (r *Repository) MarkTerminal(ctx context.Context, jobID string, status models.JobStatus, reason string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.MarkTerminal")
	defer span.End()

	if !status.IsTerminal() {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("%s is not a terminal job status", status))
	}

	ctx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE enrichment_jobs
		SET status = $2, error = $3, updated_at = $4
		WHERE id = $1 AND status IN ($5, $6, $7)
	`

	result, err := tx.ExecContext(ctx, query, jobID, status, reason, time.Now().UTC(), models.JobStatusCreated, models.JobStatusSubmitted, models.JobStatusPolling)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID, "status": status}).Error("Failed to mark job terminal")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark job terminal")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark job terminal")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit job state")
	}

	return rows == 1, nil
}

// ListNonTerminalByBatch retrieves the batch's jobs still awaiting an outcome
func (r *Repository) ListNonTerminalByBatch(ctx context.Context, batchID string) ([]models.EnrichmentJob, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.ListNonTerminalByBatch")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(jobColumns)
	sb.From("enrichment_jobs")
	sb.Where(
		sb.Equal("batch_id", batchID),
		sb.In("status", models.JobStatusCreated, models.JobStatusSubmitted, models.JobStatusPolling),
	)
	sb.OrderBy("seq")

	query, args := sb.Build()
	var jobs []models.EnrichmentJob
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list non-terminal enrichment jobs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list non-terminal enrichment jobs")
	}

	return jobs, nil
}

// NextSeq returns the next sub-batch sequence number for a batch, so
// reconciliation jobs extend the original partition numbering.
func (r *Repository) NextSeq(ctx context.Context, batchID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichmentjob.Repository.NextSeq")
	defer span.End()

	var next int
	query := "SELECT COALESCE(MAX(seq), -1) + 1 FROM enrichment_jobs WHERE batch_id = $1"
	if err := r.db.GetContext(ctx, &next, query, batchID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to compute next job seq")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to compute next job seq")
	}

	return next, nil
}
