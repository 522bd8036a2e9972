// Package batchprogress persists batches and their per-stage state machines
package batchprogress

import (
	"context"
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

const batchColumns = "id, tenant_id, name, status, options, total_records, current_stage, error, created_at, updated_at, completed_at"
const stageColumns = "batch_id, stage, status, processed_count, total_count, error, started_at, completed_at, updated_at"

// Repository handles batch and stage persistence. Stage transitions are
// guarded in SQL so they stay monotonic: pending to in_progress to a terminal
// state, with completed reopened only through an explicit Reopen.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new batch progress repository
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

// Create persists a batch with one stage row per pipeline stage. Stages
// disabled by the batch options start out skipped.
func (r *Repository) Create(ctx context.Context, batch *models.Batch) (*models.Batch, error) {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.Create")
	defer span.End()

	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusPending
	}
	batch.CreatedAt = time.Now().UTC()
	batch.UpdatedAt = batch.CreatedAt

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("batches")
	ib.Cols("id", "tenant_id", "name", "status", "options", "total_records", "created_at", "updated_at")
	ib.Values(batch.ID, batch.TenantID, batch.Name, batch.Status, batch.Options, batch.TotalRecords, batch.CreatedAt, batch.UpdatedAt)

	query, args := ib.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create batch")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create batch")
	}

	options := batch.Options.GetValue()
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("batch_stages")
	sb.Cols("batch_id", "stage", "status", "processed_count", "total_count", "updated_at")
	for _, stage := range models.StageOrder {
		status := models.StageStatusPending
		if !options.Enabled(stage) {
			status = models.StageStatusSkipped
		}
		sb.Values(batch.ID, stage, status, 0, 0, batch.CreatedAt)
	}

	query, args = sb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create batch stages")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create batch stages")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit batch")
	}

	return batch, nil
}

// Get retrieves a batch by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.Batch, error) {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(batchColumns)
	sb.From("batches")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var batch models.Batch
	if err := r.db.GetContext(ctx, &batch, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("batch %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get batch")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get batch")
	}

	return &batch, nil
}

// GetStages retrieves the stage rows of a batch in pipeline order
func (r *Repository) GetStages(ctx context.Context, batchID string) ([]models.BatchStage, error) {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.GetStages")
	defer span.End()

	query := `
		SELECT ` + stageColumns + `
		FROM batch_stages
		WHERE batch_id = $1
		ORDER BY array_position($2::text[], stage)
	`

	var stages []models.BatchStage
	if err := r.db.SelectContext(ctx, &stages, query, batchID, stageArrayLiteral()); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get batch stages")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get batch stages")
	}

	return stages, nil
}

// GetStage retrieves one stage row
func (r *Repository) GetStage(ctx context.Context, batchID, stage string) (*models.BatchStage, error) {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.GetStage")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(stageColumns)
	sb.From("batch_stages")
	sb.Where(sb.Equal("batch_id", batchID), sb.Equal("stage", stage))

	query, args := sb.Build()
	var row models.BatchStage
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("stage %s for batch %s not found", stage, batchID))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get batch stage")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get batch stage")
	}

	return &row, nil
}

// StartStage flips a pending stage to in_progress, returning whether this
// call made the transition
func (r *Repository) StartStage(ctx context.Context, batchID, stage string, totalCount int) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.StartStage")
	defer span.End()

	query := `
		UPDATE batch_stages
		SET status = $3, total_count = $4, started_at = $5, updated_at = $5
		WHERE batch_id = $1 AND stage = $2 AND status = $6
	`

	return r.execTransition(ctx, query, batchID, stage, models.StageStatusInProgress, totalCount, time.Now().UTC(), models.StageStatusPending)
}

// CompleteStage flips an in_progress stage to completed. Callers must have
// verified every in-scope record is terminal before calling; the counts come
// from that verification query, never from in-memory counters.
func (r *Repository) CompleteStage(ctx context.Context, batchID, stage string, processed, total int) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.CompleteStage")
	defer span.End()

	query := `
		UPDATE batch_stages
		SET status = $3, processed_count = $4, total_count = $5, completed_at = $6, updated_at = $6, error = NULL
		WHERE batch_id = $1 AND stage = $2 AND status = $7
	`

	return r.execTransition(ctx, query, batchID, stage, models.StageStatusCompleted, processed, total, time.Now().UTC(), models.StageStatusInProgress)
}

// SkipStage marks a pending stage skipped
func (r *Repository) SkipStage(ctx context.Context, batchID, stage string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.SkipStage")
	defer span.End()

	query := `
		UPDATE batch_stages
		SET status = $3, updated_at = $4
		WHERE batch_id = $1 AND stage = $2 AND status = $5
	`

	return r.execTransition(ctx, query, batchID, stage, models.StageStatusSkipped, time.Now().UTC(), models.StageStatusPending)
}

// FailStage flips a pending or running stage to error with a reason
func (r *Repository) FailStage(ctx context.Context, batchID, stage, reason string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.FailStage")
	defer span.End()

	query := `
		UPDATE batch_stages
		SET status = $3, error = $4, updated_at = $5
		WHERE batch_id = $1 AND stage = $2 AND status IN ($6, $7)
	`

	return r.execTransition(ctx, query, batchID, stage, models.StageStatusError, reason, time.Now().UTC(), models.StageStatusPending, models.StageStatusInProgress)
}

// ReopenStage is the explicit resubmission path: it moves a completed,
// skipped, or errored stage back to in_progress. Nothing else regresses a
// terminal stage.
func (r *Repository) ReopenStage(ctx context.Context, batchID, stage string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.ReopenStage")
	defer span.End()

	query := `
		UPDATE batch_stages
		SET status = $3, completed_at = NULL, error = NULL, updated_at = $4
		WHERE batch_id = $1 AND stage = $2 AND status IN ($5, $6, $7)
	`

	return r.execTransition(ctx, query, batchID, stage, models.StageStatusInProgress, time.Now().UTC(), models.StageStatusCompleted, models.StageStatusSkipped, models.StageStatusError)
}

// UpdateStageCounts refreshes the progress counters of a running stage
func (r *Repository) UpdateStageCounts(ctx context.Context, batchID, stage string, processed, total int) error {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.UpdateStageCounts")
	defer span.End()

	query := `
		UPDATE batch_stages
		SET processed_count = $3, total_count = $4, updated_at = $5
		WHERE batch_id = $1 AND stage = $2 AND status = $6
	`

	_, err := r.db.ExecContext(ctx, query, batchID, stage, processed, total, time.Now().UTC(), models.StageStatusInProgress)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update stage counts")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update stage counts")
	}

	return nil
}

// SetBatchStatus updates the batch status and current stage marker
func (r *Repository) SetBatchStatus(ctx context.Context, batchID string, status models.BatchStatus, currentStage *string) error {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.SetBatchStatus")
	defer span.End()

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("batches")
	assignments := []string{
		ub.Assign("status", status),
		ub.Assign("current_stage", currentStage),
		ub.Assign("updated_at", now),
	}
	if status == models.BatchStatusCompleted {
		assignments = append(assignments, ub.Assign("completed_at", now))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", batchID))

	query, args := ub.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"batch_id": batchID, "status": status}).Error("Failed to set batch status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set batch status")
	}

	return nil
}

// FailBatch marks the batch errored with a reason
func (r *Repository) FailBatch(ctx context.Context, batchID, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.FailBatch")
	defer span.End()

	query := `
		UPDATE batches
		SET status = $2, error = $3, updated_at = $4
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, batchID, models.BatchStatusError, reason, time.Now().UTC()); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to fail batch")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to fail batch")
	}

	return nil
}

// ListResumable retrieves batches that were mid-pipeline when the process
// last stopped
func (r *Repository) ListResumable(ctx context.Context) ([]models.Batch, error) {
	ctx, span := tracing.StartSpan(ctx, "batchprogress.Repository.ListResumable")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(batchColumns)
	sb.From("batches")
	sb.Where(sb.In("status", models.BatchStatusPending, models.BatchStatusProcessing))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var batches []models.Batch
	if err := r.db.SelectContext(ctx, &batches, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list resumable batches")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list resumable batches")
	}

	return batches, nil
}

func (r *Repository) execTransition(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to transition batch stage")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to transition batch stage")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to transition batch stage")
	}

	return rows == 1, nil
}

func stageArrayLiteral() string {
	literal := "{"
	for i, stage := range models.StageOrder {
		if i > 0 {
			literal += ","
		}
		literal += stage
	}
	return literal + "}"
}
