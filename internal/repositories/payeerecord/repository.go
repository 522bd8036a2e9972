// Package payeerecord persists payee records and their stage outcomes
package payeerecord

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

const recordColumns = "id, tenant_id, batch_id, raw_name, normalized_name, match_status, matched_entity_id, match_confidence, match_type, match_reasoning, enrichment_status, enrichment_job_id, enrichment_data, enrichment_error, created_at, updated_at"

// Repository handles payee record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new payee record repository
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

// CreateBatch inserts payee records in bulk
func (r *Repository) CreateBatch(ctx context.Context, records []*models.PayeeRecord) error {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.CreateBatch")
	defer span.End()

	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()

	const chunkSize = 500
	for i := 0; i < len(records); i += chunkSize {
		end := min(i+chunkSize, len(records))

		sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		sb.InsertInto("payee_records")
		sb.Cols("id", "tenant_id", "batch_id", "raw_name", "normalized_name", "match_status", "match_confidence", "enrichment_status", "created_at", "updated_at")
		for _, rec := range records[i:end] {
			if rec.ID == "" {
				rec.ID = uuid.New().String()
			}
			if rec.MatchStatus == "" {
				rec.MatchStatus = models.MatchStatusUnresolved
			}
			if rec.EnrichmentStatus == "" {
				rec.EnrichmentStatus = models.EnrichmentStatusNone
			}
			rec.CreatedAt = now
			rec.UpdatedAt = now
			sb.Values(rec.ID, rec.TenantID, rec.BatchID, rec.RawName, rec.NormalizedName, rec.MatchStatus, rec.MatchConfidence, rec.EnrichmentStatus, rec.CreatedAt, rec.UpdatedAt)
		}

		query, args := sb.Build()
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to create payee records")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create payee records")
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"count": len(records)}).Debug("Created payee records")
	return nil
}

// Get retrieves a payee record by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.PayeeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns)
	sb.From("payee_records")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var record models.PayeeRecord
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("payee record %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get payee record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get payee record")
	}

	return &record, nil
}

// ListByBatch retrieves all payee records of a batch
func (r *Repository) ListByBatch(ctx context.Context, batchID string) ([]models.PayeeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.ListByBatch")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns)
	sb.From("payee_records")
	sb.Where(sb.Equal("batch_id", batchID))
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var records []models.PayeeRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list payee records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list payee records")
	}

	return records, nil
}

// ListUnresolved retrieves records of a batch still awaiting a match decision
func (r *Repository) ListUnresolved(ctx context.Context, batchID string) ([]models.PayeeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.ListUnresolved")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns)
	sb.From("payee_records")
	sb.Where(
		sb.Equal("batch_id", batchID),
		sb.Equal("match_status", models.MatchStatusUnresolved),
	)
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var records []models.PayeeRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list unresolved payee records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list unresolved payee records")
	}

	return records, nil
}

// ListNeedingEnrichment retrieves records of a batch eligible for enrichment
// that have not been submitted yet: no registry match and no enrichment
// outcome so far.
func (r *Repository) ListNeedingEnrichment(ctx context.Context, batchID string) ([]models.PayeeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.ListNeedingEnrichment")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns)
	sb.From("payee_records")
	sb.Where(
		sb.Equal("batch_id", batchID),
		sb.Equal("enrichment_status", models.EnrichmentStatusNone),
		sb.In("match_status", models.MatchStatusNoMatch, models.MatchStatusUnresolved),
	)
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var records []models.PayeeRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list records needing enrichment")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list records needing enrichment")
	}

	return records, nil
}

// ApplyMatchUpdates writes matching stage outcomes in one transaction
func (r *Repository) ApplyMatchUpdates(ctx context.Context, updates []models.MatchUpdate) error {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.ApplyMatchUpdates")
	defer span.End()

	if len(updates) == 0 {
		return nil
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, update := range updates {
		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update("payee_records")
		ub.Set(
			ub.Assign("normalized_name", update.NormalizedName),
			ub.Assign("match_status", update.Status),
			ub.Assign("matched_entity_id", update.MatchedEntityID),
			ub.Assign("match_confidence", update.Confidence),
			ub.Assign("match_type", update.MatchType),
			ub.Assign("match_reasoning", update.Reasoning),
			ub.Assign("updated_at", now),
		)
		ub.Where(ub.Equal("id", update.RecordID))

		query, args := ub.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"record_id": update.RecordID}).Error("Failed to apply match update")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to apply match updates")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit match updates")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"count": len(updates)}).Debug("Applied match updates")
	return nil
}

// MarkEnrichmentSubmitted flips records to submitted and links them to their
// enrichment job
func (r *Repository) MarkEnrichmentSubmitted(ctx context.Context, recordIDs []string, jobID string) error {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.MarkEnrichmentSubmitted")
	defer span.End()

	if len(recordIDs) == 0 {
		return nil
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("payee_records")
	ub.Set(
		ub.Assign("enrichment_status", models.EnrichmentStatusSubmitted),
		ub.Assign("enrichment_job_id", jobID),
		ub.Assign("enrichment_error", nil),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.In("id", sqlbuilder.Flatten(recordIDs)...))

	query, args := ub.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"job_id": jobID}).Error("Failed to mark records submitted")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark records submitted")
	}

	return nil
}

// ApplyEnrichmentResult writes one enrichment outcome. Joins the caller's
// transaction when one is open on the context.
func (r *Repository) ApplyEnrichmentResult(ctx context.Context, result models.EnrichmentResult) error {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.ApplyEnrichmentResult")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	status := models.EnrichmentStatusNoMatch
	if result.Matched {
		status = models.EnrichmentStatusMatched
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("payee_records")
	assignments := []string{
		ub.Assign("enrichment_status", status),
		ub.Assign("enrichment_error", nil),
		ub.Assign("updated_at", time.Now().UTC()),
	}
	if len(result.Raw) > 0 {
		assignments = append(assignments, ub.Assign("enrichment_data", []byte(result.Raw)))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", result.RecordID))

	query, args := ub.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"record_id": result.RecordID}).Error("Failed to apply enrichment result")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to apply enrichment result")
	}

	return tx.Commit(ctx)
}

// MarkEnrichmentError flips records to the error outcome with a reason.
// Joins the caller's transaction when one is open on the context.
func (r *Repository) MarkEnrichmentError(ctx context.Context, recordIDs []string, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.MarkEnrichmentError")
	defer span.End()

	if len(recordIDs) == 0 {
		return nil
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("payee_records")
	ub.Set(
		ub.Assign("enrichment_status", models.EnrichmentStatusError),
		ub.Assign("enrichment_error", reason),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.In("id", sqlbuilder.Flatten(recordIDs)...))

	query, args := ub.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark records errored")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark records errored")
	}

	return tx.Commit(ctx)
}

// StageProgress reports processed and total record counts for one stage of a
// batch, computed from persisted record state rather than in-memory counters.
type StageProgress struct {
	Processed int `db:"processed"`
	Total     int `db:"total"`
}

// MatchingProgress counts records of a batch with a settled match decision
func (r *Repository) MatchingProgress(ctx context.Context, batchID string) (*StageProgress, error) {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.MatchingProgress")
	defer span.End()

	query := `
		SELECT
			COUNT(*) FILTER (WHERE match_status <> $2) AS processed,
			COUNT(*) AS total
		FROM payee_records
		WHERE batch_id = $1
	`

	var progress StageProgress
	if err := r.db.GetContext(ctx, &progress, query, batchID, models.MatchStatusUnresolved); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to compute matching progress")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to compute matching progress")
	}

	return &progress, nil
}

// EnrichmentProgress counts enrichment outcomes over the records in scope for
// the enrichment stage: everything submitted plus everything still eligible.
// The stage is verifiably done when processed == total.
func (r *Repository) EnrichmentProgress(ctx context.Context, batchID string) (*StageProgress, error) {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.EnrichmentProgress")
	defer span.End()

	query := `
		SELECT
			COUNT(*) FILTER (WHERE enrichment_status IN ($2, $3, $4)) AS processed,
			COUNT(*) AS total
		FROM payee_records
		WHERE batch_id = $1
		  AND (enrichment_status <> $5 OR match_status IN ($6, $7))
	`

	var progress StageProgress
	err := r.db.GetContext(ctx, &progress, query, batchID,
		models.EnrichmentStatusMatched, models.EnrichmentStatusNoMatch, models.EnrichmentStatusError,
		models.EnrichmentStatusNone,
		models.MatchStatusNoMatch, models.MatchStatusUnresolved,
	)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to compute enrichment progress")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to compute enrichment progress")
	}

	return &progress, nil
}

// ListStuck retrieves records still marked submitted even though their
// enrichment job reached a terminal state. These are reconciliation gaps.
func (r *Repository) ListStuck(ctx context.Context, olderThan time.Time) ([]models.PayeeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.ListStuck")
	defer span.End()

	query := `
		SELECT ` + qualifiedRecordColumns("r") + `
		FROM payee_records r
		JOIN enrichment_jobs j ON j.id = r.enrichment_job_id
		WHERE r.enrichment_status = $1
		  AND r.updated_at < $2
		  AND j.status IN ($3, $4, $5, $6)
		ORDER BY r.batch_id, r.created_at
	`

	var records []models.PayeeRecord
	err := r.db.SelectContext(ctx, &records, query,
		models.EnrichmentStatusSubmitted, olderThan,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusTimedOut, models.JobStatusCancelled,
	)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list stuck records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stuck records")
	}

	return records, nil
}

// ListByJob retrieves the records attached to an enrichment job
func (r *Repository) ListByJob(ctx context.Context, jobID string) ([]models.PayeeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "payeerecord.Repository.ListByJob")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns)
	sb.From("payee_records")
	sb.Where(sb.Equal("enrichment_job_id", jobID))
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var records []models.PayeeRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list records by job")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list records by job")
	}

	return records, nil
}

func qualifiedRecordColumns(alias string) string {
	return alias + ".id, " + alias + ".tenant_id, " + alias + ".batch_id, " + alias + ".raw_name, " + alias + ".normalized_name, " + alias + ".match_status, " + alias + ".matched_entity_id, " + alias + ".match_confidence, " + alias + ".match_type, " + alias + ".match_reasoning, " + alias + ".enrichment_status, " + alias + ".enrichment_job_id, " + alias + ".enrichment_data, " + alias + ".enrichment_error, " + alias + ".created_at, " + alias + ".updated_at"
}
