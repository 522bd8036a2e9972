// Package orchestrator drives batches through the resolution pipeline stage
// by stage: matching, then enrichment, each with verified completion.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/booyajones/clarity/internal/repositories/payeerecord"
	"github.com/booyajones/clarity/pkg/database"
	"github.com/booyajones/clarity/pkg/graph"
	"github.com/booyajones/clarity/pkg/kafka"
	"github.com/booyajones/clarity/pkg/matching"
	"github.com/booyajones/clarity/pkg/metrics"
	"github.com/booyajones/clarity/pkg/models"
	"github.com/booyajones/clarity/pkg/tracing"
)

// BatchStore is the batch/stage persistence surface the orchestrator needs.
// *batchprogress.Repository satisfies it.
type BatchStore interface {
	Create(ctx context.Context, batch *models.Batch) (*models.Batch, error)
	Get(ctx context.Context, id string) (*models.Batch, error)
	GetStage(ctx context.Context, batchID, stage string) (*models.BatchStage, error)
	GetStages(ctx context.Context, batchID string) ([]models.BatchStage, error)
	StartStage(ctx context.Context, batchID, stage string, totalCount int) (bool, error)
	CompleteStage(ctx context.Context, batchID, stage string, processed, total int) (bool, error)
	SkipStage(ctx context.Context, batchID, stage string) (bool, error)
	FailStage(ctx context.Context, batchID, stage, reason string) (bool, error)
	UpdateStageCounts(ctx context.Context, batchID, stage string, processed, total int) error
	SetBatchStatus(ctx context.Context, batchID string, status models.BatchStatus, currentStage *string) error
	FailBatch(ctx context.Context, batchID, reason string) error
	ListResumable(ctx context.Context) ([]models.Batch, error)
}

// RecordStore is the payee-record persistence surface the orchestrator needs.
// *payeerecord.Repository satisfies it.
type RecordStore interface {
	CreateBatch(ctx context.Context, records []*models.PayeeRecord) error
	ListUnresolved(ctx context.Context, batchID string) ([]models.PayeeRecord, error)
	ListNeedingEnrichment(ctx context.Context, batchID string) ([]models.PayeeRecord, error)
	ApplyMatchUpdates(ctx context.Context, updates []models.MatchUpdate) error
	MatchingProgress(ctx context.Context, batchID string) (*payeerecord.StageProgress, error)
	EnrichmentProgress(ctx context.Context, batchID string) (*payeerecord.StageProgress, error)
}

// EntityStore resolves registry entities for event and graph projection.
// *registryentity.Repository satisfies it.
type EntityStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]models.RegistryEntity, error)
}

// Resolver runs the matching tier over a batch's records. *matching.Engine
// satisfies it.
type Resolver interface {
	ResolveRecords(ctx context.Context, records []models.PayeeRecord) []matching.RecordOutcome
}

// Coordinator is the enrichment surface the orchestrator needs.
// *enrichment.Coordinator satisfies it.
type Coordinator interface {
	SetOnSettled(fn func(ctx context.Context, batchID string))
	SubmitBatch(ctx context.Context, tenantID, batchID string, records []models.PayeeRecord) ([]models.EnrichmentJob, error)
	CancelBatch(ctx context.Context, batchID string) error
}

// Orchestrator sequences the pipeline stages for each batch. Stage state
// lives in the database; the orchestrator only ever moves it forward through
// the guarded repository transitions, so a crash mid-stage leaves a resumable
// batch rather than a corrupt one.
type Orchestrator struct {
	logger      ectologger.Logger
	batches     BatchStore
	records     RecordStore
	registry    EntityStore
	engine      Resolver
	coordinator Coordinator
	producer    *kafka.Producer
	projector   *graph.Projector
	defaults    models.BatchOptions
}

// NewOrchestrator creates an orchestrator. The producer and projector may be
// nil; events and graph projection are then skipped.
func NewOrchestrator(
	logger ectologger.Logger,
	batches BatchStore,
	records RecordStore,
	registry EntityStore,
	engine Resolver,
	coordinator Coordinator,
	producer *kafka.Producer,
	projector *graph.Projector,
) *Orchestrator {
	o := &Orchestrator{
		logger:      logger,
		batches:     batches,
		records:     records,
		registry:    registry,
		engine:      engine,
		coordinator: coordinator,
		producer:    producer,
		projector:   projector,
		defaults:    models.DefaultBatchOptions(),
	}

	if coordinator != nil {
		coordinator.SetOnSettled(o.onJobSettled)
	}

	return o
}

// SetDefaultOptions overrides the stage toggles applied to batches that
// arrive without explicit options
func (o *Orchestrator) SetDefaultOptions(opts models.BatchOptions) {
	o.defaults = opts
}

// CreateBatch persists a new batch with its records and stage rows. The batch
// starts pending; ProcessBatch moves it through the pipeline.
func (o *Orchestrator) CreateBatch(ctx context.Context, tenantID, name string, opts *models.BatchOptions, rawNames []string) (*models.Batch, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.CreateBatch")
	defer span.End()

	if tenantID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	if len(rawNames) == 0 {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "batch has no records")
	}

	options := o.defaults
	if opts != nil {
		options = *opts
	}

	batch, err := o.batches.Create(ctx, &models.Batch{
		TenantID:     tenantID,
		Name:         name,
		Options:      database.JSONB[models.BatchOptions]{Data: options},
		TotalRecords: len(rawNames),
	})
	if err != nil {
		return nil, err
	}

	records := make([]*models.PayeeRecord, 0, len(rawNames))
	for _, rawName := range rawNames {
		records = append(records, &models.PayeeRecord{
			TenantID: tenantID,
			BatchID:  batch.ID,
			RawName:  rawName,
		})
	}
	if err := o.records.CreateBatch(ctx, records); err != nil {
		return nil, err
	}

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id":  batch.ID,
		"tenant_id": tenantID,
		"records":   len(records),
	}).Info("Batch created")

	return batch, nil
}

// ProcessBatch runs a batch through every enabled stage in pipeline order.
// The matching stage runs synchronously; the enrichment stage submits jobs
// and finalizes later, when the last job settles.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID string) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.ProcessBatch")
	defer span.End()

	batch, err := o.batches.Get(ctx, batchID)
	if err != nil {
		return err
	}

	if err := o.batches.SetBatchStatus(ctx, batchID, models.BatchStatusProcessing, nil); err != nil {
		return err
	}

	for _, stage := range models.StageOrder {
		done, err := o.runStage(ctx, batch, stage)
		if err != nil {
			reason := err.Error()
			if _, failErr := o.batches.FailStage(ctx, batchID, stage, reason); failErr != nil {
				o.logger.WithContext(ctx).WithError(failErr).Error("Failed to record stage failure")
			}
			o.emitBatchEvent(ctx, batch, "batch.stage.error", stage, reason)
			if failErr := o.batches.FailBatch(ctx, batchID, reason); failErr != nil {
				return failErr
			}
			metrics.BatchesTotal.WithLabelValues(string(models.BatchStatusError)).Inc()
			return err
		}
		if !done {
			// the stage finalizes asynchronously; the batch stays processing
			stageName := stage
			return o.batches.SetBatchStatus(ctx, batchID, models.BatchStatusProcessing, &stageName)
		}
	}

	return o.finalizeBatch(ctx, batch)
}

// runStage executes one stage. It returns false when the stage started but
// will finalize asynchronously.
func (o *Orchestrator) runStage(ctx context.Context, batch *models.Batch, stage string) (bool, error) {
	row, err := o.batches.GetStage(ctx, batch.ID, stage)
	if err != nil {
		return false, err
	}

	switch row.Status {
	case models.StageStatusCompleted, models.StageStatusSkipped:
		return true, nil
	case models.StageStatusError:
		return false, fmt.Errorf("stage %s previously failed: %s", stage, deref(row.Error))
	}

	if !batch.Options.Data.Enabled(stage) {
		if _, err := o.batches.SkipStage(ctx, batch.ID, stage); err != nil {
			return false, err
		}
		o.logger.WithContext(ctx).WithFields(map[string]any{
			"batch_id": batch.ID,
			"stage":    stage,
		}).Info("Stage disabled for batch; skipped")
		return true, nil
	}

	stageName := stage
	if err := o.batches.SetBatchStatus(ctx, batch.ID, models.BatchStatusProcessing, &stageName); err != nil {
		return false, err
	}

	switch stage {
	case models.StageMatching:
		return true, o.runMatchingStage(ctx, batch, row)
	case models.StageEnrichment:
		return o.runEnrichmentStage(ctx, batch, row)
	default:
		return false, fmt.Errorf("unknown stage %s", stage)
	}
}

// runMatchingStage resolves every unresolved record in the batch, applies the
// updates, then verifies against the database before completing the stage.
func (o *Orchestrator) runMatchingStage(ctx context.Context, batch *models.Batch, row *models.BatchStage) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.runMatchingStage")
	defer span.End()

	start := time.Now()

	pending, err := o.records.ListUnresolved(ctx, batch.ID)
	if err != nil {
		return err
	}

	if row.Status == models.StageStatusPending {
		if _, err := o.batches.StartStage(ctx, batch.ID, models.StageMatching, batch.TotalRecords); err != nil {
			return err
		}
		o.emitBatchEvent(ctx, batch, "batch.stage.started", models.StageMatching, "")
	}

	outcomes := o.engine.ResolveRecords(ctx, pending)

	updates := make([]models.MatchUpdate, 0, len(outcomes))
	var failed int
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			failed++
			o.logger.WithContext(ctx).WithError(outcome.Err).WithFields(map[string]any{
				"record_id": outcome.Record.ID,
			}).Warn("Record resolution failed")
			continue
		}
		updates = append(updates, outcome.Update)
	}

	if len(updates) > 0 {
		if err := o.records.ApplyMatchUpdates(ctx, updates); err != nil {
			return err
		}
	}

	progress, err := o.records.MatchingProgress(ctx, batch.ID)
	if err != nil {
		return err
	}
	if err := o.batches.UpdateStageCounts(ctx, batch.ID, models.StageMatching, progress.Processed, progress.Total); err != nil {
		return err
	}

	if progress.Processed < progress.Total {
		return fmt.Errorf("%d of %d records left unresolved after matching", progress.Total-progress.Processed, progress.Total)
	}

	if _, err := o.batches.CompleteStage(ctx, batch.ID, models.StageMatching, progress.Processed, progress.Total); err != nil {
		return err
	}

	metrics.StageDuration.WithLabelValues(models.StageMatching).Observe(time.Since(start).Seconds())
	o.emitBatchEvent(ctx, batch, "batch.stage.completed", models.StageMatching, "")
	o.publishResolutions(ctx, batch, updates)
	o.projectResolutions(ctx, outcomes)

	return nil
}

// runEnrichmentStage submits records that matching could not resolve. The
// stage completes asynchronously when the last enrichment job settles, so
// this returns done=true only when there is nothing to enrich.
func (o *Orchestrator) runEnrichmentStage(ctx context.Context, batch *models.Batch, row *models.BatchStage) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.runEnrichmentStage")
	defer span.End()

	eligible, err := o.records.ListNeedingEnrichment(ctx, batch.ID)
	if err != nil {
		return false, err
	}

	progress, err := o.records.EnrichmentProgress(ctx, batch.ID)
	if err != nil {
		return false, err
	}

	if row.Status == models.StageStatusPending {
		if _, err := o.batches.StartStage(ctx, batch.ID, models.StageEnrichment, progress.Total); err != nil {
			return false, err
		}
		o.emitBatchEvent(ctx, batch, "batch.stage.started", models.StageEnrichment, "")
	}

	if len(eligible) == 0 && progress.Processed >= progress.Total {
		if _, err := o.batches.CompleteStage(ctx, batch.ID, models.StageEnrichment, progress.Processed, progress.Total); err != nil {
			return false, err
		}
		o.emitBatchEvent(ctx, batch, "batch.stage.completed", models.StageEnrichment, "")
		return true, nil
	}

	if len(eligible) > 0 {
		if _, err := o.coordinator.SubmitBatch(ctx, batch.TenantID, batch.ID, eligible); err != nil {
			return false, err
		}
	}

	return false, nil
}

// onJobSettled runs after any enrichment job in a batch reaches a terminal
// status. It finalizes the enrichment stage, and the batch, once every
// in-scope record is terminal.
func (o *Orchestrator) onJobSettled(ctx context.Context, batchID string) {
	if err := o.FinalizeEnrichment(ctx, batchID); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_id": batchID,
		}).Error("Failed to finalize enrichment stage")
	}
}

// FinalizeEnrichment completes the enrichment stage if every in-scope record
// has reached a terminal enrichment status. Safe to call repeatedly; the
// guarded stage transition means only one caller completes the stage.
func (o *Orchestrator) FinalizeEnrichment(ctx context.Context, batchID string) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.FinalizeEnrichment")
	defer span.End()

	progress, err := o.records.EnrichmentProgress(ctx, batchID)
	if err != nil {
		return err
	}

	if err := o.batches.UpdateStageCounts(ctx, batchID, models.StageEnrichment, progress.Processed, progress.Total); err != nil {
		return err
	}

	if progress.Processed < progress.Total {
		return nil
	}

	transitioned, err := o.batches.CompleteStage(ctx, batchID, models.StageEnrichment, progress.Processed, progress.Total)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	batch, err := o.batches.Get(ctx, batchID)
	if err != nil {
		return err
	}

	o.emitBatchEvent(ctx, batch, "batch.stage.completed", models.StageEnrichment, "")
	return o.finalizeBatch(ctx, batch)
}

// finalizeBatch marks the batch completed once every stage row is terminal
func (o *Orchestrator) finalizeBatch(ctx context.Context, batch *models.Batch) error {
	stages, err := o.batches.GetStages(ctx, batch.ID)
	if err != nil {
		return err
	}

	for _, stage := range stages {
		if !stage.Status.IsTerminal() {
			return nil
		}
		if stage.Status == models.StageStatusError {
			return o.batches.FailBatch(ctx, batch.ID, fmt.Sprintf("stage %s failed: %s", stage.Stage, deref(stage.Error)))
		}
	}

	if err := o.batches.SetBatchStatus(ctx, batch.ID, models.BatchStatusCompleted, nil); err != nil {
		return err
	}

	metrics.BatchesTotal.WithLabelValues(string(models.BatchStatusCompleted)).Inc()
	o.emitBatchEvent(ctx, batch, "batch.completed", "", "")

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id": batch.ID,
	}).Info("Batch completed")

	return nil
}

// GetProgress returns the batch with its stage rows
func (o *Orchestrator) GetProgress(ctx context.Context, batchID string) (*models.BatchProgress, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.GetProgress")
	defer span.End()

	batch, err := o.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}

	stages, err := o.batches.GetStages(ctx, batchID)
	if err != nil {
		return nil, err
	}

	return &models.BatchProgress{
		Batch:      *batch,
		Stages:     stages,
		IsComplete: batch.Status == models.BatchStatusCompleted,
	}, nil
}

// CancelBatch cancels outstanding enrichment jobs and marks the batch
// cancelled. Completed work keeps its results.
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID string) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.CancelBatch")
	defer span.End()

	batch, err := o.batches.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status == models.BatchStatusCompleted || batch.Status == models.BatchStatusCancelled {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("batch %s is already %s", batchID, batch.Status))
	}

	if err := o.coordinator.CancelBatch(ctx, batchID); err != nil {
		return err
	}

	if err := o.batches.SetBatchStatus(ctx, batchID, models.BatchStatusCancelled, nil); err != nil {
		return err
	}

	metrics.BatchesTotal.WithLabelValues(string(models.BatchStatusCancelled)).Inc()
	o.emitBatchEvent(ctx, batch, "batch.cancelled", "", "")
	return nil
}

// Resume picks up batches that were mid-pipeline when the process last
// stopped and drives them forward. Already-submitted enrichment jobs are not
// resubmitted; the poller re-arms on them through ListActive.
func (o *Orchestrator) Resume(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.Resume")
	defer span.End()

	batches, err := o.batches.ListResumable(ctx)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		o.logger.WithContext(ctx).WithFields(map[string]any{
			"batch_id": batch.ID,
			"status":   batch.Status,
		}).Info("Resuming batch")

		if err := o.ProcessBatch(ctx, batch.ID); err != nil {
			o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"batch_id": batch.ID,
			}).Error("Failed to resume batch")
		}
	}

	return nil
}

func (o *Orchestrator) emitBatchEvent(ctx context.Context, batch *models.Batch, eventType, stage, reason string) {
	if o.producer == nil {
		return
	}

	var data json.RawMessage
	if reason != "" {
		data, _ = json.Marshal(map[string]string{"reason": reason})
	}

	event := &kafka.BatchEvent{
		EventType: eventType,
		TenantID:  batch.TenantID,
		BatchID:   batch.ID,
		Stage:     stage,
		Data:      data,
	}
	if err := o.producer.PublishBatchEvent(ctx, event); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_id":   batch.ID,
			"event_type": eventType,
		}).Warn("Failed to publish batch event")
	}
}

func (o *Orchestrator) publishResolutions(ctx context.Context, batch *models.Batch, updates []models.MatchUpdate) {
	if o.producer == nil || len(updates) == 0 {
		return
	}

	events := make([]*kafka.PayeeEvent, 0, len(updates))
	for _, update := range updates {
		events = append(events, &kafka.PayeeEvent{
			EventType:  "payee.resolved",
			TenantID:   batch.TenantID,
			BatchID:    batch.ID,
			RecordID:   update.RecordID,
			Status:     string(update.Status),
			EntityID:   update.MatchedEntityID,
			Confidence: update.Confidence,
			MatchType:  update.MatchType,
		})
	}

	if err := o.producer.PublishPayeeEvents(ctx, events); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_id": batch.ID,
		}).Warn("Failed to publish payee events")
	}
}

// projectResolutions mirrors matched records into the graph, best effort
func (o *Orchestrator) projectResolutions(ctx context.Context, outcomes []matching.RecordOutcome) {
	if o.projector == nil {
		return
	}

	entityIDs := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.Err == nil && outcome.Update.MatchedEntityID != nil {
			entityIDs = append(entityIDs, *outcome.Update.MatchedEntityID)
		}
	}
	if len(entityIDs) == 0 {
		return
	}

	entities, err := o.registry.GetByIDs(ctx, entityIDs)
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Failed to load entities for graph projection")
		return
	}
	byID := make(map[string]*models.RegistryEntity, len(entities))
	for i := range entities {
		byID[entities[i].ID] = &entities[i]
	}

	for _, outcome := range outcomes {
		if outcome.Err != nil || outcome.Update.MatchedEntityID == nil {
			continue
		}
		entity, ok := byID[*outcome.Update.MatchedEntityID]
		if !ok {
			continue
		}
		record := outcome.Record
		record.NormalizedName = outcome.Update.NormalizedName
		record.MatchConfidence = outcome.Update.Confidence
		record.MatchType = outcome.Update.MatchType
		o.projector.ProjectResolution(ctx, &record, entity)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
