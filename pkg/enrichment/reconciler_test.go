package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booyajones/clarity/pkg/models"
)

func newTestReconciler(t *testing.T, jobs *fakeJobStore, records *fakeRecordStore, provider *fakeProvider) *Reconciler {
	t.Helper()
	c := NewCoordinator(Config{}, provider, testMapper(t), jobs, records, testLogger())
	return NewReconciler(ReconcilerConfig{}, c, records, jobs, nil, testLogger())
}

func TestSweepResubmitsStuckRecords(t *testing.T) {
	jobs := newFakeJobStore()
	records := newFakeRecordStore()
	records.stuck = []models.PayeeRecord{
		{ID: "r1", TenantID: "tenant-1", BatchID: "batch-1"},
		{ID: "r2", TenantID: "tenant-1", BatchID: "batch-1"},
	}
	provider := &fakeProvider{}

	r := newTestReconciler(t, jobs, records, provider)
	r.sweep(context.Background())

	require.Len(t, provider.submitted, 1)
	assert.Len(t, provider.submitted[0], 2)
	assert.Equal(t, records.submitted["r1"], records.submitted["r2"])

	resubmitted := jobs.jobs[records.submitted["r1"]]
	require.NotNil(t, resubmitted)
	assert.Equal(t, "batch-1", resubmitted.BatchID)
	assert.Equal(t, models.JobStatusSubmitted, resubmitted.Status)
}

func TestSweepFailsJobsNeverSubmitted(t *testing.T) {
	jobs := newFakeJobStore()
	job := seedJob(jobs, "job-1", "batch-1", "r1", "r2")
	job.Status = models.JobStatusCreated
	job.CreatedAt = time.Now().UTC().Add(-time.Hour)
	jobs.staleCreated = []models.EnrichmentJob{*job}

	records := newFakeRecordStore()
	r := newTestReconciler(t, jobs, records, &fakeProvider{})

	var settled []string
	r.coordinator.SetOnSettled(func(_ context.Context, batchID string) {
		settled = append(settled, batchID)
	})

	r.sweep(context.Background())

	// a job that crashed between creation and submission has no external job
	// id, so no completion channel will ever reach it
	assert.Equal(t, models.JobStatusFailed, jobs.terminal["job-1"])
	assert.Contains(t, records.errored["r1"], "never submitted")
	assert.Contains(t, records.errored["r2"], "never submitted")
	assert.Equal(t, []string{"batch-1"}, settled)
}

func TestSweepNoWorkIsQuiet(t *testing.T) {
	jobs := newFakeJobStore()
	records := newFakeRecordStore()
	provider := &fakeProvider{}

	r := newTestReconciler(t, jobs, records, provider)
	r.sweep(context.Background())

	assert.Empty(t, provider.submitted)
	assert.Empty(t, records.errored)
	assert.Empty(t, jobs.terminal)
}
