// Package worker dispatches queued jobs to their provider adapter: resolving
// params, launching the provider call, and recording the Sync/Async/Failed
// outcome.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/synthome-dev/mediaforge/internal/cryptox"
	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/metrics"
	"github.com/synthome-dev/mediaforge/pkg/provider"
	"github.com/synthome-dev/mediaforge/pkg/provider/llm"
	"github.com/synthome-dev/mediaforge/pkg/queue"
	"github.com/synthome-dev/mediaforge/pkg/resolver"
	"github.com/synthome-dev/mediaforge/pkg/store"
)

// moderatedOperations are the prompt-bearing generation kinds a Moderator
// pass runs against before dispatch.
var moderatedOperations = map[string]bool{
	"generateImage": true,
	"generateVideo": true,
	"generateAudio": true,
}

// TerminalOutcome carries the terminal status write a job is transitioning
// to, so the notifier can apply it in the same transaction as usage
// accounting and dependent fan-out instead of two separate commits.
type TerminalOutcome struct {
	Status domain.JobStatus
	Result *domain.JobResult
	ErrMsg *string
}

// TerminalNotifier is implemented by the orchestrator; the worker calls it
// once a job reaches a terminal state so the status write, usage ledger,
// dependent fan-out, and execution roll-up all commit atomically.
type TerminalNotifier interface {
	OnJobTerminal(ctx context.Context, jobRecordID string, outcome TerminalOutcome) error
}

// Worker dispatches one queue.Message at a time to its provider adapter.
type Worker struct {
	store     store.Store
	registry  *provider.Registry
	notifier  TerminalNotifier
	pollEvery time.Duration
	moderator llm.Moderator
	keyBox    *cryptox.Box
	metrics   *metrics.Registry
	log       *zap.Logger
}

// New builds a Worker. pollEvery is the first poll delay scheduled for jobs
// whose adapter only supports polling.
func New(st store.Store, registry *provider.Registry, notifier TerminalNotifier, pollEvery time.Duration, log *zap.Logger) *Worker {
	return &Worker{store: st, registry: registry, notifier: notifier, pollEvery: pollEvery, log: log}
}

// WithModerator enables the prompt moderation pass for generateImage/
// generateVideo/generateAudio jobs. Left unset, jobs dispatch unmoderated.
func (w *Worker) WithModerator(m llm.Moderator) *Worker {
	w.moderator = m
	return w
}

// WithKeyBox enables decryption of tenant-stored provider API key
// overrides. Left unset, tenant-stored overrides are ignored: a
// client-supplied apiKey param still applies, otherwise Launch uses the
// adapter's own platform credential.
func (w *Worker) WithKeyBox(box *cryptox.Box) *Worker {
	w.keyBox = box
	return w
}

// WithMetrics enables Prometheus counters for provider launch outcomes.
// Left unset, the worker runs uninstrumented.
func (w *Worker) WithMetrics(m *metrics.Registry) *Worker {
	w.metrics = m
	return w
}

// Handle implements queue.Handler.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	job, err := w.store.GetJob(ctx, msg.JobRecordID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil // already handled by a prior delivery; at-least-once is fine
	}
	if job.Status != domain.JobPending {
		// processing/waiting: a concurrent delivery is already driving this
		// job, or it's mid-wait. Either way there's nothing for us to do.
		return nil
	}

	siblings, err := w.store.ListJobs(ctx, job.ExecutionID)
	if err != nil {
		return err
	}
	lookup := upstreamLookup(siblings)

	resolvedParams, err := resolver.Resolve(job.Params, lookup)
	if err != nil {
		return w.failJob(ctx, job.RecordID, err.Error())
	}

	if w.moderator != nil && moderatedOperations[job.Operation] {
		if prompt, ok := resolvedParams["prompt"].(string); ok {
			rewritten, err := w.moderator.Moderate(ctx, prompt)
			if err != nil {
				return w.failJob(ctx, job.RecordID, err.Error())
			}
			resolvedParams["prompt"] = rewritten
		}
	}

	if err := w.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateJobStatus(ctx, job.RecordID, domain.JobProcessing, nil, nil)
	}); err != nil {
		return err
	}

	apiKey, err := w.resolveAPIKey(ctx, job, resolvedParams)
	if err != nil {
		return w.failJob(ctx, job.RecordID, err.Error())
	}

	modelID := provider.ModelIDFromParams(resolvedParams)
	result, err := w.registry.Launch(ctx, job.Operation, modelID, resolvedParams, apiKey)
	if err != nil {
		w.recordLaunchOutcome(job.Operation, "error")
		return w.failJob(ctx, job.RecordID, err.Error())
	}

	switch result.Outcome {
	case provider.OutcomeSync:
		w.recordLaunchOutcome(job.Operation, "sync")
		return w.notifier.OnJobTerminal(ctx, job.RecordID, TerminalOutcome{Status: domain.JobCompleted, Result: result.Result})

	case provider.OutcomeAsync:
		w.recordLaunchOutcome(job.Operation, "async")
		adapter, err := w.registry.Get(job.Operation, modelID)
		if err != nil {
			return err
		}
		strategy := waitStrategyFor(adapter.Capabilities())
		var nextPollAt *time.Time
		if strategy == domain.WaitPolling {
			t := time.Now().UTC().Add(w.pollEvery)
			nextPollAt = &t
		}
		return w.store.WithTx(ctx, func(tx store.Tx) error {
			return tx.UpdateJobWaitState(ctx, job.RecordID, result.ProviderJobID, strategy, nextPollAt)
		})

	case provider.OutcomeFailed:
		w.recordLaunchOutcome(job.Operation, "rejected")
		msg := "provider rejected the job"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		return w.failJob(ctx, job.RecordID, msg)

	default:
		return w.failJob(ctx, job.RecordID, "provider adapter returned an unrecognized outcome")
	}
}

func (w *Worker) recordLaunchOutcome(operation, outcome string) {
	if w.metrics != nil {
		w.metrics.ProviderLaunches.WithLabelValues(operation, outcome).Inc()
	}
}

// resolveAPIKey applies the provider credential override precedence:
// a client-supplied key in the job's own params wins, then a tenant-stored
// override, then the adapter's own platform default (empty string). The
// client-supplied field, if present, is stripped from params before launch
// since it's a credential, not a generation parameter.
func (w *Worker) resolveAPIKey(ctx context.Context, job *domain.Job, params domain.JSONMap) (string, error) {
	if clientKey, ok := params["apiKey"].(string); ok && clientKey != "" {
		delete(params, "apiKey")
		return clientKey, nil
	}
	if w.keyBox == nil {
		return "", nil
	}
	exec, err := w.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return "", err
	}
	encrypted, ok, err := w.store.GetProviderAPIKey(ctx, exec.TenantID, job.Operation)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return w.keyBox.Decrypt(encrypted)
}

func (w *Worker) failJob(ctx context.Context, jobRecordID string, reason string) error {
	return w.notifier.OnJobTerminal(ctx, jobRecordID, TerminalOutcome{Status: domain.JobFailed, ErrMsg: &reason})
}

// waitStrategyFor prefers webhook delivery over polling: webhook is
// lower-latency and doesn't consume poll-worker capacity.
func waitStrategyFor(caps provider.Capabilities) domain.WaitStrategy {
	switch {
	case caps.SupportsWebhook:
		return domain.WaitWebhook
	case caps.SupportsPolling:
		return domain.WaitPolling
	default:
		return domain.WaitNone
	}
}

func upstreamLookup(siblings []domain.Job) resolver.UpstreamLookup {
	byPlanLocalID := make(map[string]*domain.Job, len(siblings))
	for i := range siblings {
		byPlanLocalID[siblings[i].PlanLocalID] = &siblings[i]
	}
	return func(planLocalID string) (*domain.Job, bool) {
		j, ok := byPlanLocalID[planLocalID]
		return j, ok
	}
}
