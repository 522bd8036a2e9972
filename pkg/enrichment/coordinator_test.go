package enrichment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booyajones/clarity/pkg/database"
	"github.com/booyajones/clarity/pkg/models"
)

func makeRecords(n int) []models.PayeeRecord {
	records := make([]models.PayeeRecord, n)
	for i := range records {
		records[i] = models.PayeeRecord{ID: fmt.Sprintf("r%d", i)}
	}
	return records
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name      string
		count     int
		cap       int
		wantSizes []int
	}{
		{name: "empty", count: 0, cap: 100, wantSizes: nil},
		{name: "under cap", count: 40, cap: 100, wantSizes: []int{40}},
		{name: "exactly cap", count: 100, cap: 100, wantSizes: []int{100}},
		{name: "one over cap", count: 101, cap: 100, wantSizes: []int{100, 1}},
		{name: "150 splits 100 and 50", count: 150, cap: 100, wantSizes: []int{100, 50}},
		{name: "multiple full groups", count: 300, cap: 100, wantSizes: []int{100, 100, 100}},
		{name: "zero cap falls back to default", count: 150, cap: 0, wantSizes: []int{100, 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := Partition(makeRecords(tt.count), tt.cap)
			require.Len(t, groups, len(tt.wantSizes))

			seen := make(map[string]int)
			for i, group := range groups {
				assert.Len(t, group, tt.wantSizes[i])
				for _, record := range group {
					seen[record.ID]++
				}
			}

			// every record lands in exactly one group
			assert.Len(t, seen, tt.count)
			for id, count := range seen {
				assert.Equalf(t, 1, count, "record %s appears %d times", id, count)
			}
		})
	}
}

func TestPartitionPreservesOrder(t *testing.T) {
	records := makeRecords(250)
	groups := Partition(records, 100)
	require.Len(t, groups, 3)

	i := 0
	for _, group := range groups {
		for _, record := range group {
			assert.Equal(t, records[i].ID, record.ID)
			i++
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	for attempt := 1; attempt <= 8; attempt++ {
		delay := backoffDelay(base, attempt)
		assert.GreaterOrEqual(t, delay, base, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, 90*time.Second, "attempt %d", attempt)
	}

	// later attempts back off further than the first
	assert.GreaterOrEqual(t, backoffDelay(base, 4), backoffDelay(base, 1))
}

type fakeDB struct {
	database.DB
}

func (fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, fakeTx{}, nil
}

type fakeTx struct {
	database.Tx
}

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

// fakeJobStore keeps jobs in memory and enforces the same settle-once
// transitions the repository enforces in SQL.
type fakeJobStore struct {
	JobStore
	jobs         map[string]*models.EnrichmentJob
	claims       int
	claimed      map[string]bool
	terminal     map[string]models.JobStatus
	reasons      map[string]string
	staleCreated []models.EnrichmentJob
	nextSeq      int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:     map[string]*models.EnrichmentJob{},
		claimed:  map[string]bool{},
		terminal: map[string]models.JobStatus{},
		reasons:  map[string]string{},
	}
}

func (f *fakeJobStore) DB() database.DB { return fakeDB{} }

func (f *fakeJobStore) Create(ctx context.Context, job *models.EnrichmentJob) (*models.EnrichmentJob, error) {
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	}
	job.Status = models.JobStatusCreated
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobStore) Get(ctx context.Context, id string) (*models.EnrichmentJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

func (f *fakeJobStore) MarkSubmitted(ctx context.Context, jobID, externalJobID string) error {
	job := f.jobs[jobID]
	job.ExternalJobID = &externalJobID
	job.Status = models.JobStatusSubmitted
	return nil
}

func (f *fakeJobStore) ClaimCompleted(ctx context.Context, jobID string, resultPayload json.RawMessage) (bool, error) {
	f.claims++
	if f.claimed[jobID] || f.terminal[jobID] != "" {
		return false, nil
	}
	f.claimed[jobID] = true
	f.jobs[jobID].Status = models.JobStatusCompleted
	return true, nil
}

func (f *fakeJobStore) MarkTerminal(ctx context.Context, jobID string, status models.JobStatus, reason string) (bool, error) {
	if f.claimed[jobID] || f.terminal[jobID] != "" {
		return false, nil
	}
	f.terminal[jobID] = status
	f.reasons[jobID] = reason
	f.jobs[jobID].Status = status
	return true, nil
}

func (f *fakeJobStore) NextSeq(ctx context.Context, batchID string) (int, error) {
	return f.nextSeq, nil
}

func (f *fakeJobStore) ListStaleCreated(ctx context.Context, olderThan time.Time) ([]models.EnrichmentJob, error) {
	return f.staleCreated, nil
}

type fakeRecordStore struct {
	RecordStore
	applied   []models.EnrichmentResult
	errored   map[string]string
	submitted map[string]string
	stuck     []models.PayeeRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		errored:   map[string]string{},
		submitted: map[string]string{},
	}
}

func (f *fakeRecordStore) MarkEnrichmentSubmitted(ctx context.Context, recordIDs []string, jobID string) error {
	for _, id := range recordIDs {
		f.submitted[id] = jobID
	}
	return nil
}

func (f *fakeRecordStore) ApplyEnrichmentResult(ctx context.Context, result models.EnrichmentResult) error {
	f.applied = append(f.applied, result)
	return nil
}

func (f *fakeRecordStore) MarkEnrichmentError(ctx context.Context, recordIDs []string, reason string) error {
	for _, id := range recordIDs {
		f.errored[id] = reason
	}
	return nil
}

func (f *fakeRecordStore) ListStuck(ctx context.Context, olderThan time.Time) ([]models.PayeeRecord, error) {
	return f.stuck, nil
}

type fakeProvider struct {
	submitted [][]models.PayeeRecord
	submitErr error
	poll      *PollResult
	pollErr   error
	polled    []string
}

func (f *fakeProvider) Submit(ctx context.Context, records []models.PayeeRecord) (string, error) {
	f.submitted = append(f.submitted, records)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return fmt.Sprintf("ext-%d", len(f.submitted)), nil
}

func (f *fakeProvider) PollStatus(ctx context.Context, externalJobID string) (*PollResult, error) {
	f.polled = append(f.polled, externalJobID)
	return f.poll, f.pollErr
}

func testMapper(t *testing.T) *Mapper {
	t.Helper()
	mapper, err := NewMapper(DefaultMapperConfig())
	require.NoError(t, err)
	return mapper
}

func seedJob(jobs *fakeJobStore, id, batchID string, recordIDs ...string) *models.EnrichmentJob {
	job := &models.EnrichmentJob{
		ID:        id,
		TenantID:  "tenant-1",
		BatchID:   batchID,
		Status:    models.JobStatusSubmitted,
		RecordIDs: models.StringSlice(recordIDs),
	}
	jobs.jobs[id] = job
	return job
}

func TestCompleteAppliesResultsExactlyOnce(t *testing.T) {
	jobs := newFakeJobStore()
	seedJob(jobs, "job-1", "batch-1", "r1", "r2")
	records := newFakeRecordStore()
	c := NewCoordinator(Config{}, &fakeProvider{}, testMapper(t), jobs, records, testLogger())

	var settled []string
	c.SetOnSettled(func(_ context.Context, batchID string) {
		settled = append(settled, batchID)
	})

	payload := json.RawMessage(`[
		{"recordId":"r1","matched":true,"confidence":0.95,"entity":{"id":"e1","name":"Acme Corporation"}},
		{"recordId":"r2","matched":false,"confidence":0.2}
	]`)

	require.NoError(t, c.Complete(context.Background(), "job-1", payload))
	require.NoError(t, c.Complete(context.Background(), "job-1", payload))

	// both the webhook and the poller may deliver the same completion; the
	// second claim loses and applies nothing
	assert.Equal(t, 2, jobs.claims)
	assert.Len(t, records.applied, 2)
	assert.Equal(t, []string{"batch-1"}, settled)
}

func TestCompleteThenFailLeavesJobCompleted(t *testing.T) {
	jobs := newFakeJobStore()
	seedJob(jobs, "job-1", "batch-1", "r1")
	records := newFakeRecordStore()
	c := NewCoordinator(Config{}, &fakeProvider{}, testMapper(t), jobs, records, testLogger())

	payload := json.RawMessage(`[{"recordId":"r1","matched":true,"confidence":0.9,"entity":{"id":"e1","name":"Acme Corporation"}}]`)
	require.NoError(t, c.Complete(context.Background(), "job-1", payload))
	require.NoError(t, c.Fail(context.Background(), "job-1", models.JobStatusFailed, "late failure"))

	assert.Equal(t, models.JobStatusCompleted, jobs.jobs["job-1"].Status)
	assert.Empty(t, records.errored)
}

func TestCompleteFetchesResultsWhenPayloadEmpty(t *testing.T) {
	jobs := newFakeJobStore()
	job := seedJob(jobs, "job-1", "batch-1", "r1")
	externalID := "ext-9"
	job.ExternalJobID = &externalID

	provider := &fakeProvider{
		poll: &PollResult{
			State:   JobStateComplete,
			Results: json.RawMessage(`[{"recordId":"r1","matched":true,"confidence":0.88,"entity":{"id":"e1","name":"Acme Corporation"}}]`),
		},
	}
	records := newFakeRecordStore()
	c := NewCoordinator(Config{}, provider, testMapper(t), jobs, records, testLogger())

	require.NoError(t, c.Complete(context.Background(), "job-1", nil))

	assert.Equal(t, []string{"ext-9"}, provider.polled)
	require.Len(t, records.applied, 1)
	assert.Equal(t, "r1", records.applied[0].RecordID)
	assert.Empty(t, records.errored)
}

func TestCompleteEmptyPayloadProviderNotDone(t *testing.T) {
	jobs := newFakeJobStore()
	job := seedJob(jobs, "job-1", "batch-1", "r1")
	externalID := "ext-9"
	job.ExternalJobID = &externalID

	provider := &fakeProvider{poll: &PollResult{State: JobStateProcessing}}
	records := newFakeRecordStore()
	c := NewCoordinator(Config{}, provider, testMapper(t), jobs, records, testLogger())

	err := c.Complete(context.Background(), "job-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not complete")

	// nothing was claimed, so a later delivery with results still lands
	assert.Equal(t, 0, jobs.claims)
	assert.Empty(t, records.applied)
}

func TestCompleteMarksRecordsMissingFromResults(t *testing.T) {
	jobs := newFakeJobStore()
	seedJob(jobs, "job-1", "batch-1", "r1", "r2")
	records := newFakeRecordStore()
	c := NewCoordinator(Config{}, &fakeProvider{}, testMapper(t), jobs, records, testLogger())

	payload := json.RawMessage(`[{"recordId":"r1","matched":true,"confidence":0.9,"entity":{"id":"e1","name":"Acme Corporation"}}]`)
	require.NoError(t, c.Complete(context.Background(), "job-1", payload))

	require.Len(t, records.applied, 1)
	assert.Equal(t, "no result returned by provider", records.errored["r2"])
}

func TestSubmitBatchPartitionsIntoJobs(t *testing.T) {
	jobs := newFakeJobStore()
	provider := &fakeProvider{}
	records := newFakeRecordStore()
	c := NewCoordinator(Config{RecordCap: 2}, provider, testMapper(t), jobs, records, testLogger())

	created, err := c.SubmitBatch(context.Background(), "tenant-1", "batch-1", makeRecords(5))
	require.NoError(t, err)
	require.Len(t, created, 3)
	assert.Len(t, provider.submitted, 3)

	for _, job := range created {
		got := jobs.jobs[job.ID]
		assert.Equal(t, models.JobStatusSubmitted, got.Status)
		require.NotNil(t, got.ExternalJobID)
		for _, recordID := range got.RecordIDs {
			assert.Equal(t, job.ID, records.submitted[recordID])
		}
	}
}
