// Package asyncwait drives async jobs to completion via two convergent
// paths: an inbound webhook handler for providers that push status, and a
// background polling loop for providers that only support pull-based status
// checks.
package asyncwait

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/provider"
	"github.com/synthome-dev/mediaforge/pkg/store"
	"github.com/synthome-dev/mediaforge/pkg/worker"
)

// Coordinator applies a provider status update to a waiting job and, on a
// terminal outcome, notifies the orchestrator — the same convergence point
// the worker package uses for Sync/Failed outcomes.
type Coordinator struct {
	store    store.Store
	registry *provider.Registry
	notifier worker.TerminalNotifier
	backoff  BackoffPolicy
	log      *zap.Logger
}

// BackoffPolicy controls the polling loop's retry schedule (defaults).
type BackoffPolicy struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoffPolicy holds the polling retry defaults.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Initial: 5 * time.Second, Multiplier: 1.5, Max: 2 * time.Minute, MaxAttempts: 100}
}

func (p BackoffPolicy) next(attempts int) time.Duration {
	d := p.Initial
	for i := 0; i < attempts; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.Max {
			return p.Max
		}
	}
	return d
}

// New builds a Coordinator.
func New(st store.Store, registry *provider.Registry, notifier worker.TerminalNotifier, backoff BackoffPolicy, log *zap.Logger) *Coordinator {
	return &Coordinator{store: st, registry: registry, notifier: notifier, backoff: backoff, log: log}
}

// HandleWebhook processes an inbound POST /webhook/job/{jobRecordId} body.
// It is idempotent: a webhook for an already-terminal job is a no-op, which
// lets providers retry delivery freely.
func (c *Coordinator) HandleWebhook(w http.ResponseWriter, r *http.Request, jobRecordID string) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErr(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "reading webhook body"))
		return
	}

	if err := c.ApplyStatusPayload(ctx, jobRecordID, body); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ApplyStatusPayload parses payload with the job's adapter and, if it
// reports a status change, persists it and notifies the orchestrator on a
// terminal outcome. Shared by the webhook handler and the poller.
func (c *Coordinator) ApplyStatusPayload(ctx context.Context, jobRecordID string, payload []byte) error {
	job, err := c.store.GetJob(ctx, jobRecordID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	adapter, err := c.registry.Get(job.Operation, provider.ModelIDFromParams(job.Params))
	if err != nil {
		return err
	}
	update, err := adapter.ParseStatus(payload)
	if err != nil {
		return err
	}

	switch update.Status {
	case domain.JobProcessing:
		return nil // no state change; still waiting

	case domain.JobCompleted:
		return c.notifier.OnJobTerminal(ctx, jobRecordID, worker.TerminalOutcome{Status: domain.JobCompleted, Result: update.Result})

	case domain.JobFailed:
		errMsg := update.Error
		return c.notifier.OnJobTerminal(ctx, jobRecordID, worker.TerminalOutcome{Status: domain.JobFailed, ErrMsg: &errMsg})

	default:
		return apperrors.Newf(apperrors.ErrorTypeInternal, "unexpected status update %q from adapter", update.Status)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(appErr.StatusCode)
	_, _ = w.Write([]byte(appErr.Error()))
}
