package asyncwait

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/provider"
	"github.com/synthome-dev/mediaforge/pkg/store"
	"github.com/synthome-dev/mediaforge/pkg/worker"
)

// PollerConfig tunes the background polling loop.
type PollerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultPollerConfig sweeps every 3 seconds in batches of 50.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{Interval: 3 * time.Second, BatchSize: 50}
}

// RunPoller sweeps due jobs until ctx is cancelled, actively querying each
// job's adapter and applying any status change. A job that exceeds
// MaxAttempts without reaching a terminal state is failed out rather than
// polled forever.
func (c *Coordinator) RunPoller(ctx context.Context, cfg PollerConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx, cfg.BatchSize); err != nil {
				c.log.Error("poll sweep failed", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) pollOnce(ctx context.Context, batchSize int) error {
	jobs, err := c.store.ClaimPollableJobs(ctx, batchSize)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := c.pollJob(ctx, job); err != nil {
			c.log.Warn("poll attempt failed", zap.String("jobRecordId", job.RecordID), zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) pollJob(ctx context.Context, job domain.Job) error {
	if job.PollAttempts >= c.backoff.MaxAttempts {
		errMsg := "job exceeded maximum poll attempts without reaching a terminal state"
		return c.notifier.OnJobTerminal(ctx, job.RecordID, worker.TerminalOutcome{Status: domain.JobFailed, ErrMsg: &errMsg})
	}

	adapter, err := c.registry.Get(job.Operation, provider.ModelIDFromParams(job.Params))
	if err != nil {
		return err
	}
	if job.ProviderJobID == nil {
		return nil
	}

	payload, err := adapter.Poll(ctx, *job.ProviderJobID)
	if err != nil {
		return c.backoffPoll(ctx, job, err.Error())
	}

	if err := c.ApplyStatusPayload(ctx, job.RecordID, payload); err != nil {
		return c.backoffPoll(ctx, job, err.Error())
	}
	return c.scheduleNextPollIfStillWaiting(ctx, job)
}

// scheduleNextPollIfStillWaiting schedules the next attempt only if
// ApplyStatusPayload left the job non-terminal; a terminal transition needs
// no further scheduling.
func (c *Coordinator) scheduleNextPollIfStillWaiting(ctx context.Context, job domain.Job) error {
	refreshed, err := c.store.GetJob(ctx, job.RecordID)
	if err != nil {
		return err
	}
	if refreshed.Status.IsTerminal() {
		return nil
	}
	next := time.Now().UTC().Add(c.backoff.next(refreshed.PollAttempts))
	return c.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.IncrementJobPollAttempt(ctx, job.RecordID, next, nil)
	})
}

func (c *Coordinator) backoffPoll(ctx context.Context, job domain.Job, lastErr string) error {
	next := time.Now().UTC().Add(c.backoff.next(job.PollAttempts))
	return c.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.IncrementJobPollAttempt(ctx, job.RecordID, next, &lastErr)
	})
}
