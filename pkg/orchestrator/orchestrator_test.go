package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booyajones/clarity/internal/repositories/payeerecord"
	"github.com/booyajones/clarity/pkg/database"
	"github.com/booyajones/clarity/pkg/matching"
	"github.com/booyajones/clarity/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// fakeBatchStore keeps one batch and its stage rows in memory, enforcing the
// same guarded transitions the repository enforces in SQL.
type fakeBatchStore struct {
	BatchStore
	batch    *models.Batch
	stages   map[string]*models.BatchStage
	statuses []models.BatchStatus
	failures []string
}

func newFakeBatchStore(opts models.BatchOptions, total int) *fakeBatchStore {
	f := &fakeBatchStore{
		batch: &models.Batch{
			ID:           "batch-1",
			TenantID:     "tenant-1",
			Status:       models.BatchStatusPending,
			Options:      database.JSONB[models.BatchOptions]{Data: opts},
			TotalRecords: total,
		},
		stages: map[string]*models.BatchStage{},
	}
	for _, stage := range models.StageOrder {
		f.stages[stage] = &models.BatchStage{
			BatchID: f.batch.ID,
			Stage:   stage,
			Status:  models.StageStatusPending,
		}
	}
	return f
}

func (f *fakeBatchStore) Get(ctx context.Context, id string) (*models.Batch, error) {
	return f.batch, nil
}

func (f *fakeBatchStore) GetStage(ctx context.Context, batchID, stage string) (*models.BatchStage, error) {
	row, ok := f.stages[stage]
	if !ok {
		return nil, fmt.Errorf("stage %s not found", stage)
	}
	return row, nil
}

func (f *fakeBatchStore) GetStages(ctx context.Context, batchID string) ([]models.BatchStage, error) {
	stages := make([]models.BatchStage, 0, len(f.stages))
	for _, stage := range models.StageOrder {
		stages = append(stages, *f.stages[stage])
	}
	return stages, nil
}

func (f *fakeBatchStore) StartStage(ctx context.Context, batchID, stage string, totalCount int) (bool, error) {
	row := f.stages[stage]
	if row.Status != models.StageStatusPending {
		return false, nil
	}
	row.Status = models.StageStatusInProgress
	row.TotalCount = totalCount
	return true, nil
}

func (f *fakeBatchStore) CompleteStage(ctx context.Context, batchID, stage string, processed, total int) (bool, error) {
	row := f.stages[stage]
	if row.Status.IsTerminal() {
		return false, nil
	}
	row.Status = models.StageStatusCompleted
	row.ProcessedCount = processed
	row.TotalCount = total
	return true, nil
}

func (f *fakeBatchStore) SkipStage(ctx context.Context, batchID, stage string) (bool, error) {
	row := f.stages[stage]
	if row.Status.IsTerminal() {
		return false, nil
	}
	row.Status = models.StageStatusSkipped
	return true, nil
}

func (f *fakeBatchStore) FailStage(ctx context.Context, batchID, stage, reason string) (bool, error) {
	row := f.stages[stage]
	if row.Status.IsTerminal() {
		return false, nil
	}
	row.Status = models.StageStatusError
	row.Error = &reason
	return true, nil
}

func (f *fakeBatchStore) UpdateStageCounts(ctx context.Context, batchID, stage string, processed, total int) error {
	row := f.stages[stage]
	row.ProcessedCount = processed
	row.TotalCount = total
	return nil
}

func (f *fakeBatchStore) SetBatchStatus(ctx context.Context, batchID string, status models.BatchStatus, currentStage *string) error {
	f.batch.Status = status
	f.batch.CurrentStage = currentStage
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeBatchStore) FailBatch(ctx context.Context, batchID, reason string) error {
	f.batch.Status = models.BatchStatusError
	f.batch.Error = &reason
	f.failures = append(f.failures, reason)
	return nil
}

func (f *fakeBatchStore) countStatus(status models.BatchStatus) int {
	var n int
	for _, s := range f.statuses {
		if s == status {
			n++
		}
	}
	return n
}

type fakePayeeStore struct {
	RecordStore
	unresolved     []models.PayeeRecord
	needing        []models.PayeeRecord
	matchProgress  payeerecord.StageProgress
	enrichProgress payeerecord.StageProgress
	updates        []models.MatchUpdate
}

func (f *fakePayeeStore) ListUnresolved(ctx context.Context, batchID string) ([]models.PayeeRecord, error) {
	return f.unresolved, nil
}

func (f *fakePayeeStore) ListNeedingEnrichment(ctx context.Context, batchID string) ([]models.PayeeRecord, error) {
	return f.needing, nil
}

func (f *fakePayeeStore) ApplyMatchUpdates(ctx context.Context, updates []models.MatchUpdate) error {
	f.updates = append(f.updates, updates...)
	return nil
}

func (f *fakePayeeStore) MatchingProgress(ctx context.Context, batchID string) (*payeerecord.StageProgress, error) {
	progress := f.matchProgress
	return &progress, nil
}

func (f *fakePayeeStore) EnrichmentProgress(ctx context.Context, batchID string) (*payeerecord.StageProgress, error) {
	progress := f.enrichProgress
	return &progress, nil
}

// fakeResolver resolves every record as a direct match
type fakeResolver struct {
	resolved int
}

func (f *fakeResolver) ResolveRecords(ctx context.Context, records []models.PayeeRecord) []matching.RecordOutcome {
	outcomes := make([]matching.RecordOutcome, 0, len(records))
	for _, record := range records {
		f.resolved++
		outcomes = append(outcomes, matching.RecordOutcome{
			Record: record,
			Update: models.MatchUpdate{
				RecordID:       record.ID,
				NormalizedName: record.RawName,
				Status:         models.MatchStatusDirect,
				Confidence:     1,
			},
		})
	}
	return outcomes
}

type fakeCoordinator struct {
	onSettled   func(ctx context.Context, batchID string)
	submissions [][]models.PayeeRecord
	cancelled   []string
}

func (f *fakeCoordinator) SetOnSettled(fn func(ctx context.Context, batchID string)) {
	f.onSettled = fn
}

func (f *fakeCoordinator) SubmitBatch(ctx context.Context, tenantID, batchID string, records []models.PayeeRecord) ([]models.EnrichmentJob, error) {
	f.submissions = append(f.submissions, records)
	return []models.EnrichmentJob{{ID: "job-1", BatchID: batchID}}, nil
}

func (f *fakeCoordinator) CancelBatch(ctx context.Context, batchID string) error {
	f.cancelled = append(f.cancelled, batchID)
	return nil
}

func makeRecords(n int) []models.PayeeRecord {
	records := make([]models.PayeeRecord, n)
	for i := range records {
		records[i] = models.PayeeRecord{
			ID:       fmt.Sprintf("r%d", i),
			TenantID: "tenant-1",
			BatchID:  "batch-1",
			RawName:  fmt.Sprintf("Payee %d", i),
		}
	}
	return records
}

func newTestOrchestrator(batches *fakeBatchStore, records *fakePayeeStore, coordinator *fakeCoordinator) *Orchestrator {
	return NewOrchestrator(testLogger(), batches, records, nil, &fakeResolver{}, coordinator, nil, nil)
}

func TestProcessBatchCompletesWhenAllRecordsResolve(t *testing.T) {
	batches := newFakeBatchStore(models.DefaultBatchOptions(), 2)
	records := &fakePayeeStore{
		unresolved:     makeRecords(2),
		matchProgress:  payeerecord.StageProgress{Processed: 2, Total: 2},
		enrichProgress: payeerecord.StageProgress{Processed: 0, Total: 0},
	}
	coordinator := &fakeCoordinator{}

	o := newTestOrchestrator(batches, records, coordinator)
	require.NoError(t, o.ProcessBatch(context.Background(), "batch-1"))

	assert.Equal(t, models.StageStatusCompleted, batches.stages[models.StageMatching].Status)
	assert.Equal(t, models.StageStatusCompleted, batches.stages[models.StageEnrichment].Status)
	assert.Equal(t, models.BatchStatusCompleted, batches.batch.Status)
	assert.Len(t, records.updates, 2)
	assert.Empty(t, coordinator.submissions)
}

func TestProcessBatchSubmitsEnrichmentAndStaysProcessing(t *testing.T) {
	batches := newFakeBatchStore(models.DefaultBatchOptions(), 2)
	records := &fakePayeeStore{
		unresolved:     makeRecords(2),
		needing:        makeRecords(2),
		matchProgress:  payeerecord.StageProgress{Processed: 2, Total: 2},
		enrichProgress: payeerecord.StageProgress{Processed: 0, Total: 2},
	}
	coordinator := &fakeCoordinator{}

	o := newTestOrchestrator(batches, records, coordinator)
	require.NoError(t, o.ProcessBatch(context.Background(), "batch-1"))

	require.Len(t, coordinator.submissions, 1)
	assert.Len(t, coordinator.submissions[0], 2)
	assert.Equal(t, models.StageStatusInProgress, batches.stages[models.StageEnrichment].Status)
	assert.Equal(t, models.BatchStatusProcessing, batches.batch.Status)
}

func TestMatchingStageVerifiesBeforeCompleting(t *testing.T) {
	batches := newFakeBatchStore(models.DefaultBatchOptions(), 2)
	records := &fakePayeeStore{
		unresolved: makeRecords(2),
		// the database disagrees with the in-memory outcome count
		matchProgress: payeerecord.StageProgress{Processed: 1, Total: 2},
	}

	o := newTestOrchestrator(batches, records, &fakeCoordinator{})
	err := o.ProcessBatch(context.Background(), "batch-1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "left unresolved")
	assert.Equal(t, models.StageStatusError, batches.stages[models.StageMatching].Status)
	assert.Equal(t, models.BatchStatusError, batches.batch.Status)
	require.Len(t, batches.failures, 1)
}

func TestProcessBatchRefusesToRerunFailedStage(t *testing.T) {
	batches := newFakeBatchStore(models.DefaultBatchOptions(), 2)
	reason := "boom"
	batches.stages[models.StageMatching].Status = models.StageStatusError
	batches.stages[models.StageMatching].Error = &reason

	records := &fakePayeeStore{unresolved: makeRecords(2)}
	coordinator := &fakeCoordinator{}

	o := newTestOrchestrator(batches, records, coordinator)
	err := o.ProcessBatch(context.Background(), "batch-1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "previously failed")
	assert.Empty(t, records.updates)
	assert.Empty(t, coordinator.submissions)
}

func TestProcessBatchSkipsDisabledStages(t *testing.T) {
	batches := newFakeBatchStore(models.BatchOptions{Matching: false, Enrichment: false}, 2)
	records := &fakePayeeStore{unresolved: makeRecords(2)}
	coordinator := &fakeCoordinator{}

	o := newTestOrchestrator(batches, records, coordinator)
	require.NoError(t, o.ProcessBatch(context.Background(), "batch-1"))

	assert.Equal(t, models.StageStatusSkipped, batches.stages[models.StageMatching].Status)
	assert.Equal(t, models.StageStatusSkipped, batches.stages[models.StageEnrichment].Status)
	assert.Equal(t, models.BatchStatusCompleted, batches.batch.Status)
	assert.Empty(t, records.updates)
	assert.Empty(t, coordinator.submissions)
}

func TestFinalizeEnrichmentWaitsForEveryRecord(t *testing.T) {
	batches := newFakeBatchStore(models.DefaultBatchOptions(), 2)
	batches.stages[models.StageMatching].Status = models.StageStatusCompleted
	batches.stages[models.StageEnrichment].Status = models.StageStatusInProgress

	records := &fakePayeeStore{
		enrichProgress: payeerecord.StageProgress{Processed: 1, Total: 2},
	}

	o := newTestOrchestrator(batches, records, &fakeCoordinator{})
	require.NoError(t, o.FinalizeEnrichment(context.Background(), "batch-1"))

	assert.Equal(t, models.StageStatusInProgress, batches.stages[models.StageEnrichment].Status)
	assert.Equal(t, 1, batches.stages[models.StageEnrichment].ProcessedCount)
	assert.Equal(t, 0, batches.countStatus(models.BatchStatusCompleted))
}

func TestFinalizeEnrichmentCompletesBatchOnce(t *testing.T) {
	batches := newFakeBatchStore(models.DefaultBatchOptions(), 2)
	batches.stages[models.StageMatching].Status = models.StageStatusCompleted
	batches.stages[models.StageEnrichment].Status = models.StageStatusInProgress

	records := &fakePayeeStore{
		enrichProgress: payeerecord.StageProgress{Processed: 2, Total: 2},
	}

	o := newTestOrchestrator(batches, records, &fakeCoordinator{})

	// the last two jobs of a batch can settle concurrently; both callbacks
	// finalize, only one completes the stage and the batch
	require.NoError(t, o.FinalizeEnrichment(context.Background(), "batch-1"))
	require.NoError(t, o.FinalizeEnrichment(context.Background(), "batch-1"))

	assert.Equal(t, models.StageStatusCompleted, batches.stages[models.StageEnrichment].Status)
	assert.Equal(t, 1, batches.countStatus(models.BatchStatusCompleted))
}

func TestCancelBatchRejectsTerminalBatch(t *testing.T) {
	batches := newFakeBatchStore(models.DefaultBatchOptions(), 2)
	batches.batch.Status = models.BatchStatusCompleted
	coordinator := &fakeCoordinator{}

	o := newTestOrchestrator(batches, &fakePayeeStore{}, coordinator)
	err := o.CancelBatch(context.Background(), "batch-1")

	require.Error(t, err)
	assert.Empty(t, coordinator.cancelled)
}
