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
	// DefaultPollTick is how often the poller scans for jobs due a poll
	DefaultPollTick = 10 * time.Second

	// DefaultPollTimeout bounds how long a job may stay outstanding
	DefaultPollTimeout = 30 * time.Minute

	// DefaultPollMaxFailures is the consecutive poll failure bound before a
	// job is failed
	DefaultPollMaxFailures = 10

	pollerLockKey = "enrichment:poller"
	pollerLockTTL = 2 * time.Minute
)

// PollInterval returns how long to wait between polls for a job that has been
// outstanding for elapsed. Young jobs poll frequently; the interval backs off
// as the job ages.
func PollInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 2*time.Minute:
		return 15 * time.Second
	case elapsed < 5*time.Minute:
		return 30 * time.Second
	case elapsed < 10*time.Minute:
		return time.Minute
	case elapsed < 20*time.Minute:
		return 2 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// PollerConfig holds poller settings
type PollerConfig struct {
	Tick        time.Duration
	PollTimeout time.Duration
	MaxFailures int
}

// DefaultPollerConfig returns default poller settings
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Tick:        DefaultPollTick,
		PollTimeout: DefaultPollTimeout,
		MaxFailures: DefaultPollMaxFailures,
	}
}

// Poller periodically checks active enrichment jobs against the provider. A
// redis lock keeps a single instance polling at a time; the webhook path stays
// live on every instance.
type Poller struct {
	logger      ectologger.Logger
	coordinator *Coordinator
	provider    Provider
	jobs        JobStore
	locker      *redis.Locker
	cfg         PollerConfig

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	stoppedC chan struct{}
}

// NewPoller creates a poller
func NewPoller(cfg PollerConfig, coordinator *Coordinator, provider Provider, jobs JobStore, locker *redis.Locker, logger ectologger.Logger) *Poller {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultPollTick
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultPollMaxFailures
	}

	return &Poller{
		logger:      logger,
		coordinator: coordinator,
		provider:    provider,
		jobs:        jobs,
		locker:      locker,
		cfg:         cfg,
	}
}

// Start begins the polling loop
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("poller is already running")
	}

	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedC = make(chan struct{})

	go p.pollLoop(ctx)

	p.logger.WithContext(ctx).Info("enrichment poller started")
	return nil
}

// Stop halts the polling loop and waits for it to finish
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	stoppedC := p.stoppedC
	p.mu.Unlock()

	select {
	case <-stoppedC:
		p.logger.WithContext(ctx).Info("enrichment poller stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for poller to stop: %w", ctx.Err())
	}
}

// IsRunning reports whether the poller is active
func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.stoppedC)

	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	p.runCycle(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

// runCycle polls every active job that is due under the leader lock. Lock
// contention is normal in a multi-instance deployment and skips the cycle.
func (p *Poller) runCycle(ctx context.Context) {
	lock, err := p.locker.Acquire(ctx, pollerLockKey, pollerLockTTL)
	if err != nil {
		if !errors.Is(err, redis.ErrLockNotAcquired) {
			p.logger.WithContext(ctx).WithError(err).Warn("failed to acquire poller lock")
		}
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redis.ErrLockNotHeld) {
			p.logger.WithContext(ctx).WithError(err).Warn("failed to release poller lock")
		}
	}()

	jobs, err := p.jobs.ListActive(ctx)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("failed to list active enrichment jobs")
		return
	}

	now := time.Now().UTC()
	for i := range jobs {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		p.pollJob(ctx, &jobs[i], now)
	}
}

func (p *Poller) pollJob(ctx context.Context, job *models.EnrichmentJob, now time.Time) {
	elapsed := job.Elapsed(now)

	if elapsed > p.cfg.PollTimeout {
		if err := p.coordinator.Fail(ctx, job.ID, models.JobStatusTimedOut, "job exceeded poll timeout"); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"job_id": job.ID,
			}).Error("failed to time out enrichment job")
		}
		return
	}

	if job.LastPolledAt != nil && now.Sub(*job.LastPolledAt) < PollInterval(elapsed) {
		return
	}

	if job.ExternalJobID == nil {
		// submission never recorded an external ID; leave it for the
		// reconciler to resubmit
		return
	}

	result, err := p.provider.PollStatus(ctx, *job.ExternalJobID)
	if err != nil {
		p.recordFailure(ctx, job, err)
		return
	}

	if err := p.jobs.RecordPoll(ctx, job.ID, false); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": job.ID,
		}).Error("failed to record poll")
		return
	}

	switch result.State {
	case JobStateComplete:
		if err := p.coordinator.Complete(ctx, job.ID, result.Results); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"job_id": job.ID,
			}).Error("failed to complete enrichment job from poll")
			return
		}
		metrics.EnrichmentCompletionsTotal.WithLabelValues("poll").Inc()
	case JobStateFailed:
		if err := p.coordinator.Fail(ctx, job.ID, models.JobStatusFailed, result.FailureReason); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"job_id": job.ID,
			}).Error("failed to fail enrichment job from poll")
		}
	default:
		// still pending or processing
	}
}

func (p *Poller) recordFailure(ctx context.Context, job *models.EnrichmentJob, pollErr error) {
	if !IsTransient(pollErr) {
		if err := p.coordinator.Fail(ctx, job.ID, models.JobStatusFailed, fmt.Sprintf("poll failed: %v", pollErr)); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"job_id": job.ID,
			}).Error("failed to fail enrichment job")
		}
		return
	}

	if err := p.jobs.RecordPoll(ctx, job.ID, true); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": job.ID,
		}).Error("failed to record poll failure")
		return
	}

	if job.PollFailures+1 >= p.cfg.MaxFailures {
		reason := fmt.Sprintf("poll failed %d consecutive times: %v", job.PollFailures+1, pollErr)
		if err := p.coordinator.Fail(ctx, job.ID, models.JobStatusFailed, reason); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"job_id": job.ID,
			}).Error("failed to fail enrichment job")
		}
		return
	}

	p.logger.WithContext(ctx).WithError(pollErr).WithFields(map[string]any{
		"job_id":        job.ID,
		"poll_failures": job.PollFailures + 1,
	}).Warn("enrichment job poll failed")
}
