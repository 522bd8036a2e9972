package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/booyajones/clarity/pkg/database"
	"github.com/booyajones/clarity/pkg/metrics"
	"github.com/booyajones/clarity/pkg/models"
	"github.com/booyajones/clarity/pkg/tracing"
)

// JobStore is the enrichment-job persistence surface this package needs.
// *enrichmentjob.Repository satisfies it.
type JobStore interface {
	DB() database.DB
	Create(ctx context.Context, job *models.EnrichmentJob) (*models.EnrichmentJob, error)
	Get(ctx context.Context, id string) (*models.EnrichmentJob, error)
	MarkSubmitted(ctx context.Context, jobID, externalJobID string) error
	ClaimCompleted(ctx context.Context, jobID string, resultPayload json.RawMessage) (bool, error)
	MarkTerminal(ctx context.Context, jobID string, status models.JobStatus, reason string) (bool, error)
	ListNonTerminalByBatch(ctx context.Context, batchID string) ([]models.EnrichmentJob, error)
	ListActive(ctx context.Context) ([]models.EnrichmentJob, error)
	ListStaleCreated(ctx context.Context, olderThan time.Time) ([]models.EnrichmentJob, error)
	RecordPoll(ctx context.Context, jobID string, failed bool) error
	NextSeq(ctx context.Context, batchID string) (int, error)
}

// RecordStore is the payee-record persistence surface this package needs.
// *payeerecord.Repository satisfies it.
type RecordStore interface {
	MarkEnrichmentSubmitted(ctx context.Context, recordIDs []string, jobID string) error
	ApplyEnrichmentResult(ctx context.Context, result models.EnrichmentResult) error
	MarkEnrichmentError(ctx context.Context, recordIDs []string, reason string) error
	ListStuck(ctx context.Context, olderThan time.Time) ([]models.PayeeRecord, error)
}

const (
	// DefaultRecordCap is the provider's per-job record limit
	DefaultRecordCap = 100

	// DefaultMaxSubmitRetry bounds submission retries for transient failures
	DefaultMaxSubmitRetry = 5

	// DefaultSubmitBackoff is the base delay between submission retries
	DefaultSubmitBackoff = 2 * time.Second
)

// Config holds coordinator settings
type Config struct {
	RecordCap      int
	MaxSubmitRetry int
	SubmitBackoff  time.Duration
}

// DefaultConfig returns default coordinator settings
func DefaultConfig() Config {
	return Config{
		RecordCap:      DefaultRecordCap,
		MaxSubmitRetry: DefaultMaxSubmitRetry,
		SubmitBackoff:  DefaultSubmitBackoff,
	}
}

// Coordinator owns the enrichment job lifecycle: partitioning a batch's
// records into provider-sized jobs, submitting them, and applying results
// exactly once regardless of whether a webhook or a poll delivers them first.
type Coordinator struct {
	logger    ectologger.Logger
	provider  Provider
	mapper    *Mapper
	jobs      JobStore
	records   RecordStore
	cfg       Config
	onSettled func(ctx context.Context, batchID string)
}

// NewCoordinator creates an enrichment coordinator
func NewCoordinator(cfg Config, provider Provider, mapper *Mapper, jobs JobStore, records RecordStore, logger ectologger.Logger) *Coordinator {
	if cfg.RecordCap <= 0 {
		cfg.RecordCap = DefaultRecordCap
	}
	if cfg.MaxSubmitRetry <= 0 {
		cfg.MaxSubmitRetry = DefaultMaxSubmitRetry
	}
	if cfg.SubmitBackoff <= 0 {
		cfg.SubmitBackoff = DefaultSubmitBackoff
	}

	return &Coordinator{
		logger:   logger,
		provider: provider,
		mapper:   mapper,
		jobs:     jobs,
		records:  records,
		cfg:      cfg,
	}
}

// SetOnSettled registers a callback invoked after a job reaches a terminal
// status, with the job's batch ID. The orchestrator uses it to finalize the
// enrichment stage once the last job settles.
func (c *Coordinator) SetOnSettled(fn func(ctx context.Context, batchID string)) {
	c.onSettled = fn
}

func (c *Coordinator) notifySettled(ctx context.Context, batchID string) {
	if c.onSettled != nil {
		c.onSettled(ctx, batchID)
	}
}

// Partition splits records into ordered sub-batches of at most cap records.
// Every record lands in exactly one sub-batch.
func Partition(records []models.PayeeRecord, cap int) [][]models.PayeeRecord {
	if len(records) == 0 {
		return nil
	}
	if cap <= 0 {
		cap = DefaultRecordCap
	}

	groups := make([][]models.PayeeRecord, 0, (len(records)+cap-1)/cap)
	for start := 0; start < len(records); start += cap {
		end := start + cap
		if end > len(records) {
			end = len(records)
		}
		groups = append(groups, records[start:end])
	}
	return groups
}

// SubmitBatch partitions the given records into jobs and submits each to the
// provider. It returns the jobs it created; individual submission failures
// mark their job failed without aborting the rest of the batch.
func (c *Coordinator) SubmitBatch(ctx context.Context, tenantID, batchID string, records []models.PayeeRecord) ([]models.EnrichmentJob, error) {
	ctx, span := tracing.StartSpan(ctx, "enrichment.Coordinator.SubmitBatch")
	defer span.End()

	groups := Partition(records, c.cfg.RecordCap)
	if len(groups) == 0 {
		return nil, nil
	}

	seq, err := c.jobs.NextSeq(ctx, batchID)
	if err != nil {
		return nil, err
	}

	jobs := make([]models.EnrichmentJob, 0, len(groups))
	for i, group := range groups {
		recordIDs := make(models.StringSlice, 0, len(group))
		for _, record := range group {
			recordIDs = append(recordIDs, record.ID)
		}

		job, err := c.jobs.Create(ctx, &models.EnrichmentJob{
			TenantID:  tenantID,
			BatchID:   batchID,
			Seq:       seq + i,
			RecordIDs: recordIDs,
		})
		if err != nil {
			return jobs, err
		}

		if err := c.submitJob(ctx, job, group); err != nil {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"job_id":   job.ID,
				"batch_id": batchID,
			}).Error("enrichment job submission failed")
		}

		jobs = append(jobs, *job)
	}

	return jobs, nil
}

// submitJob sends one job's records to the provider, retrying transient
// failures up to the configured bound. Permanent or exhausted failures mark
// the job failed and its records errored.
func (c *Coordinator) submitJob(ctx context.Context, job *models.EnrichmentJob, records []models.PayeeRecord) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxSubmitRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(c.cfg.SubmitBackoff, attempt)):
			}
		}

		externalJobID, err := c.provider.Submit(ctx, records)
		if err == nil {
			if err := c.jobs.MarkSubmitted(ctx, job.ID, externalJobID); err != nil {
				return err
			}
			if err := c.records.MarkEnrichmentSubmitted(ctx, job.RecordIDs, job.ID); err != nil {
				return err
			}
			return nil
		}

		lastErr = err
		if !IsTransient(err) {
			break
		}

		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id":  job.ID,
			"attempt": attempt + 1,
		}).Warn("enrichment job submission failed, retrying")
	}

	reason := fmt.Sprintf("submission failed: %v", lastErr)
	if err := c.Fail(ctx, job.ID, models.JobStatusFailed, reason); err != nil {
		return err
	}
	return lastErr
}

// Complete applies a job's results exactly once. The first caller (webhook or
// poller) to claim the job wins; all later calls are no-ops. The claim and
// record updates commit in one transaction so either all records reach a
// terminal enrichment status or the job stays claimable.
func (c *Coordinator) Complete(ctx context.Context, jobID string, payload json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "enrichment.Coordinator.Complete")
	defer span.End()

	// completion signals may carry no inline results; fetch them back from
	// the provider before claiming so the claim and record updates stay in
	// one transaction
	if len(payload) == 0 {
		fetched, err := c.fetchResults(ctx, jobID)
		if err != nil {
			return err
		}
		payload = fetched
	}

	ctx, tx, err := c.jobs.DB().GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	claimed, err := c.jobs.ClaimCompleted(ctx, jobID, payload)
	if err != nil {
		return err
	}
	if !claimed {
		c.logger.WithContext(ctx).WithFields(map[string]any{
			"job_id": jobID,
		}).Info("enrichment job already settled, skipping completion")
		return nil
	}

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	results, err := c.mapper.Map(payload)
	if err != nil {
		return fmt.Errorf("failed to map results for job %s: %w", jobID, err)
	}

	applied := make(map[string]bool, len(results))
	for _, result := range results {
		if err := c.records.ApplyEnrichmentResult(ctx, result); err != nil {
			return err
		}
		applied[result.RecordID] = true
	}

	var missing []string
	for _, recordID := range job.RecordIDs {
		if !applied[recordID] {
			missing = append(missing, recordID)
		}
	}
	if len(missing) > 0 {
		c.logger.WithContext(ctx).WithFields(map[string]any{
			"job_id": jobID,
			"count":  len(missing),
		}).Warn("provider returned no result for some records")
		if err := c.records.MarkEnrichmentError(ctx, missing, "no result returned by provider"); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	metrics.EnrichmentJobsTotal.WithLabelValues(string(models.JobStatusCompleted)).Inc()
	metrics.EnrichmentJobDuration.WithLabelValues(string(models.JobStatusCompleted)).Observe(job.Elapsed(time.Now().UTC()).Seconds())

	c.notifySettled(ctx, job.BatchID)
	return nil
}

// fetchResults pulls a job's result set from the provider
func (c *Coordinator) fetchResults(ctx context.Context, jobID string) (json.RawMessage, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.ExternalJobID == nil {
		return nil, fmt.Errorf("job %s has no provider job id to fetch results for", jobID)
	}

	status, err := c.provider.PollStatus(ctx, *job.ExternalJobID)
	if err != nil {
		return nil, err
	}
	if status.State != JobStateComplete {
		return nil, fmt.Errorf("provider reports job %s as %s, not complete", *job.ExternalJobID, status.State)
	}

	return status.Results, nil
}

// Fail moves a job to the given terminal status and marks its records
// errored. Like Complete it is idempotent: once a job is settled, later calls
// do nothing.
func (c *Coordinator) Fail(ctx context.Context, jobID string, status models.JobStatus, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "enrichment.Coordinator.Fail")
	defer span.End()

	ctx, tx, err := c.jobs.DB().GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	transitioned, err := c.jobs.MarkTerminal(ctx, jobID, status, reason)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if len(job.RecordIDs) > 0 {
		if err := c.records.MarkEnrichmentError(ctx, job.RecordIDs, reason); err != nil {
			return err
		}
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":   jobID,
		"batch_id": job.BatchID,
		"status":   status,
		"reason":   reason,
	}).Warn("enrichment job failed")

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	metrics.EnrichmentJobsTotal.WithLabelValues(string(status)).Inc()
	metrics.EnrichmentJobDuration.WithLabelValues(string(status)).Observe(job.Elapsed(time.Now().UTC()).Seconds())

	c.notifySettled(ctx, job.BatchID)
	return nil
}

// CancelBatch cancels every non-terminal job in a batch. Jobs that already
// completed keep their results.
func (c *Coordinator) CancelBatch(ctx context.Context, batchID string) error {
	ctx, span := tracing.StartSpan(ctx, "enrichment.Coordinator.CancelBatch")
	defer span.End()

	jobs, err := c.jobs.ListNonTerminalByBatch(ctx, batchID)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := c.Fail(ctx, job.ID, models.JobStatusCancelled, "batch cancelled"); err != nil {
			return err
		}
	}

	return nil
}

// backoffDelay returns an exponential delay with jitter for the given retry
// attempt
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter
}
