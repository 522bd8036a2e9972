package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/booyajones/clarity/pkg/metrics"
	"github.com/booyajones/clarity/pkg/models"
	"github.com/booyajones/clarity/pkg/redis"
)

const (
	// DefaultReconcileInterval is how often the reconciler sweeps for stuck
	// records
	DefaultReconcileInterval = 5 * time.Minute

	// DefaultStaleAge is how long a record may sit in submitted state after
	// its job settled before the reconciler picks it up
	DefaultStaleAge = 10 * time.Minute

	reconcilerLockKey = "enrichment:reconciler"
	reconcilerLockTTL = 4 * time.Minute
)

// ReconcilerConfig holds reconciler settings
type ReconcilerConfig struct {
	Interval time.Duration
	StaleAge time.Duration
}

// DefaultReconcilerConfig returns default reconciler settings
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval: DefaultReconcileInterval,
		StaleAge: DefaultStaleAge,
	}
}

// Reconciler sweeps for work the completion channels can no longer reach:
// records left in submitted state after their job settled (a crash
// mid-transaction or a lost webhook for a resubmitted job) and jobs that
// crashed between creation and submission. Stuck records are resubmitted as
// fresh jobs; never-submitted jobs are failed so their records reach a
// terminal state.
type Reconciler struct {
	logger      ectologger.Logger
	coordinator *Coordinator
	records     RecordStore
	jobs        JobStore
	locker      *redis.Locker
	cfg         ReconcilerConfig

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	stoppedC chan struct{}
}

// NewReconciler creates a reconciler
func NewReconciler(cfg ReconcilerConfig, coordinator *Coordinator, records RecordStore, jobs JobStore, locker *redis.Locker, logger ectologger.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = DefaultStaleAge
	}

	return &Reconciler{
		logger:      logger,
		coordinator: coordinator,
		records:     records,
		jobs:        jobs,
		locker:      locker,
		cfg:         cfg,
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("reconciler is already running")
	}

	r.running = true
	r.stopCh = make(chan struct{})
	r.stoppedC = make(chan struct{})

	go r.sweepLoop(ctx)

	r.logger.WithContext(ctx).Info("enrichment reconciler started")
	return nil
}

// Stop halts the reconciliation loop and waits for it to finish
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	stoppedC := r.stoppedC
	r.mu.Unlock()

	select {
	case <-stoppedC:
		r.logger.WithContext(ctx).Info("enrichment reconciler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for reconciler to stop: %w", ctx.Err())
	}
}

func (r *Reconciler) sweepLoop(ctx context.Context) {
	defer close(r.stoppedC)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep takes the reconciler lock and runs one reconciliation pass
func (r *Reconciler) Sweep(ctx context.Context) {
	lock, err := r.locker.Acquire(ctx, reconcilerLockKey, reconcilerLockTTL)
	if err != nil {
		if !errors.Is(err, redis.ErrLockNotAcquired) {
			r.logger.WithContext(ctx).WithError(err).Warn("failed to acquire reconciler lock")
		}
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redis.ErrLockNotHeld) {
			r.logger.WithContext(ctx).WithError(err).Warn("failed to release reconciler lock")
		}
	}()

	r.sweep(ctx)
}

// sweep resubmits stuck records grouped by batch, then fails jobs that were
// created but never made it to the provider
func (r *Reconciler) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleAge)

	stuck, err := r.records.ListStuck(ctx, cutoff)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list stuck records")
		return
	}

	if len(stuck) > 0 {
		metrics.ReconciliationGapsTotal.Add(float64(len(stuck)))

		byBatch := make(map[string][]models.PayeeRecord)
		for _, record := range stuck {
			byBatch[record.BatchID] = append(byBatch[record.BatchID], record)
		}

		for batchID, records := range byBatch {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"batch_id": batchID,
				"count":    len(records),
			}).Warn("found records stuck in submitted state, resubmitting")

			if _, err := r.coordinator.SubmitBatch(ctx, records[0].TenantID, batchID, records); err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"batch_id": batchID,
				}).Error("failed to resubmit stuck records")
			}
		}
	}

	// jobs stranded in created state never reached the provider, so neither
	// the poller nor the webhook will ever settle them
	stale, err := r.jobs.ListStaleCreated(ctx, cutoff)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list stale created jobs")
		return
	}

	for _, job := range stale {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"job_id":   job.ID,
			"batch_id": job.BatchID,
		}).Warn("found job never submitted to the provider, failing it")

		if err := r.coordinator.Fail(ctx, job.ID, models.JobStatusFailed, "job was never submitted to the provider"); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"job_id": job.ID,
			}).Error("failed to fail stale job")
		}
	}
}
