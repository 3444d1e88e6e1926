// Package orchestrator owns plan admission and the job-terminal state
// machine: readiness fan-out to dependents, cascading cancellation on
// failure, and execution roll-up.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/metrics"
	"github.com/synthome-dev/mediaforge/pkg/queue"
	"github.com/synthome-dev/mediaforge/pkg/store"
	"github.com/synthome-dev/mediaforge/pkg/usage"
	"github.com/synthome-dev/mediaforge/pkg/worker"
)

var tracer = otel.Tracer("github.com/synthome-dev/mediaforge/pkg/orchestrator")

// Orchestrator implements plan admission and job-terminal handling.
type Orchestrator struct {
	store      store.Store
	queue      *queue.Queue
	accountant *usage.Accountant
	metrics    *metrics.Registry
	log        *zap.Logger
}

// New builds an Orchestrator.
func New(st store.Store, q *queue.Queue, accountant *usage.Accountant, log *zap.Logger) *Orchestrator {
	return &Orchestrator{store: st, queue: q, accountant: accountant, log: log}
}

// WithMetrics enables Prometheus instrumentation of admission, pending-job
// gauges, and execution wall-clock duration. Left unset, the orchestrator
// runs uninstrumented.
func (o *Orchestrator) WithMetrics(m *metrics.Registry) *Orchestrator {
	o.metrics = m
	return o
}

// CreateExecution admits a plan: normalizes and validates it, checks quota,
// persists the execution and its jobs, and enqueues every initially-ready
// job (no unmet dependencies).
func (o *Orchestrator) CreateExecution(ctx context.Context, tenantID string, plan domain.Plan, webhook *domain.WebhookDescriptor) (*domain.Execution, error) {
	ctx, span := tracer.Start(ctx, "CreateExecution", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("plan.job_count", len(plan.Jobs)),
	))
	defer span.End()

	normalized, err := normalizePlan(plan)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	decision, err := o.accountant.CheckUsageAllowed(ctx, tenantID, len(normalized.Jobs))
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		if o.metrics != nil {
			o.metrics.QuotaRejections.Inc()
		}
		return nil, apperrors.NewQuotaExceededError(decision.Reason)
	}

	now := time.Now().UTC()
	exec := &domain.Execution{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Plan:      normalized,
		Status:    domain.ExecutionProcessing,
		Webhook:   webhook,
		CreatedAt: now,
	}
	span.SetAttributes(attribute.String("execution.id", exec.ID))

	jobs := make([]domain.Job, 0, len(normalized.Jobs))
	for _, spec := range normalized.Jobs {
		jobs = append(jobs, domain.Job{
			RecordID:    uuid.NewString(),
			ExecutionID: exec.ID,
			PlanLocalID: spec.ID,
			Operation:   spec.Operation,
			Params:      spec.Params,
			DependsOn:   spec.DependsOn,
			Status:      domain.JobPending,
			CreatedAt:   now,
		})
	}

	if err := o.store.CreateExecution(ctx, exec, jobs); err != nil {
		return nil, err
	}

	if err := o.enqueueReady(ctx, jobs); err != nil {
		return nil, err
	}
	return exec, nil
}

// enqueueReady enqueues every job with no unresolved dependency.
func (o *Orchestrator) enqueueReady(ctx context.Context, jobs []domain.Job) error {
	for _, j := range jobs {
		if len(j.DependsOn) == 0 {
			if err := o.queue.Enqueue(ctx, j.Operation, queue.Message{ExecutionID: j.ExecutionID, JobRecordID: j.RecordID}); err != nil {
				return err
			}
			if o.metrics != nil {
				o.metrics.PendingJobs.WithLabelValues(j.Operation).Inc()
			}
		}
	}
	return nil
}

// OnJobTerminal applies outcome's terminal status write and, in the same
// serializable transaction, the usage ledger update, dependent fan-out, and
// execution roll-up. It is called exactly once per job-terminal event by the
// worker and async-wait coordinator, and is itself idempotent so redelivery
// and dual webhook/poll reporting can never double-process a job: a crash
// between the provider call and this commit simply leaves the job pending
// for the next delivery to retry from scratch, instead of stranding it
// terminal with unlogged usage.
func (o *Orchestrator) OnJobTerminal(ctx context.Context, jobRecordID string, outcome worker.TerminalOutcome) error {
	ctx, span := tracer.Start(ctx, "OnJobTerminal", trace.WithAttributes(
		attribute.String("job.record_id", jobRecordID),
	))
	defer span.End()

	var (
		readyToEnqueue []domain.Job
		executionID    string
	)

	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobRecordID)
		if err != nil {
			return err
		}
		executionID = job.ExecutionID
		if job.ActionLogged {
			return nil // already processed; redelivery or dual-reporting no-op
		}
		if !job.Status.IsTerminal() {
			if !outcome.Status.IsTerminal() {
				return apperrors.Newf(apperrors.ErrorTypeInternal, "OnJobTerminal called with non-terminal outcome %q for job %q", outcome.Status, jobRecordID)
			}
			if err := tx.UpdateJobStatus(ctx, jobRecordID, outcome.Status, outcome.Result, outcome.ErrMsg); err != nil {
				return err
			}
			job.Status = outcome.Status
			if o.metrics != nil {
				o.metrics.PendingJobs.WithLabelValues(job.Operation).Dec()
			}
		}

		exec, err := tx.GetExecutionForUpdate(ctx, job.ExecutionID)
		if err != nil {
			return err
		}

		if job.Status == domain.JobCompleted {
			limits, err := tx.GetUsageLimitsForUpdate(ctx, exec.TenantID)
			if err != nil {
				return err
			}
			isOverage := !limits.Unlimited && limits.ActionsUsedThisPeriod >= limits.MonthlyActionLimit

			entry := domain.ActionLog{
				TenantID:    exec.TenantID,
				ExecutionID: job.ExecutionID,
				JobRecordID: job.RecordID,
				ActionKind:  job.Operation,
				Count:       1,
				IsOverage:   isOverage,
				Timestamp:   time.Now().UTC(),
			}
			regularCount, overageCount := 1, 0
			if isOverage {
				entry.EstimatedCost = limits.OverageActionPrice
				regularCount, overageCount = 0, 1
			}
			if err := tx.AppendActionLog(ctx, entry); err != nil {
				return err
			}
			if err := tx.IncrementUsage(ctx, exec.TenantID, regularCount, overageCount); err != nil {
				return err
			}
		}
		if err := tx.MarkJobActionLogged(ctx, job.RecordID); err != nil {
			return err
		}

		siblings, err := tx.ListJobsForUpdate(ctx, job.ExecutionID)
		if err != nil {
			return err
		}

		if job.Status == domain.JobFailed {
			toCancel := transitiveDependents(job.PlanLocalID, siblings)
			if len(toCancel) > 0 {
				if err := tx.CancelJobs(ctx, toCancel, "cancelled: upstream dependency "+job.PlanLocalID+" failed"); err != nil {
					return err
				}
			}
		}

		// Re-read siblings to see the cancellation/completion just applied,
		// then fan out to any job whose dependencies are now all satisfied.
		siblings, err = tx.ListJobsForUpdate(ctx, job.ExecutionID)
		if err != nil {
			return err
		}
		readyToEnqueue = readyDependents(siblings)

		if allTerminal(siblings) {
			return o.rollUpExecution(ctx, tx, exec, normalizedPlanFromJobs(siblings))
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var g errgroup.Group
	for _, j := range readyToEnqueue {
		j := j
		g.Go(func() error {
			if err := o.queue.Enqueue(ctx, j.Operation, queue.Message{ExecutionID: executionID, JobRecordID: j.RecordID}); err != nil {
				return err
			}
			if o.metrics != nil {
				o.metrics.PendingJobs.WithLabelValues(j.Operation).Inc()
			}
			return nil
		})
	}
	return g.Wait()
}

// CancelExecution cancels every non-terminal job in an execution and rolls
// the execution itself up to cancelled. Safe to call on an already-terminal
// execution; it simply finds nothing left to cancel.
func (o *Orchestrator) CancelExecution(ctx context.Context, executionID string) error {
	return o.store.WithTx(ctx, func(tx store.Tx) error {
		exec, err := tx.GetExecutionForUpdate(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return nil
		}

		jobs, err := tx.ListJobsForUpdate(ctx, executionID)
		if err != nil {
			return err
		}
		var toCancel []string
		for _, j := range jobs {
			if !j.Status.IsTerminal() {
				toCancel = append(toCancel, j.RecordID)
			}
		}
		if len(toCancel) > 0 {
			if err := tx.CancelJobs(ctx, toCancel, "cancelled by tenant request"); err != nil {
				return err
			}
			if o.metrics != nil {
				// Jobs already enqueued (in flight, or pending with every
				// dependency completed) were counted in PendingJobs.
				for _, j := range jobs {
					if j.Status == domain.JobProcessing || j.Status == domain.JobWaiting {
						o.metrics.PendingJobs.WithLabelValues(j.Operation).Dec()
					}
				}
				for _, j := range readyDependents(jobs) {
					o.metrics.PendingJobs.WithLabelValues(j.Operation).Dec()
				}
			}
		}

		if err := tx.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionCancelled, nil); err != nil {
			return err
		}
		if exec.Webhook != nil {
			return tx.MarkWebhookPending(ctx, exec.ID)
		}
		return nil
	})
}

// rollUpExecution finalizes the execution once every job has reached a
// terminal state, picking the designated result job and flagging outbound
// webhook delivery if configured.
func (o *Orchestrator) rollUpExecution(ctx context.Context, tx store.Tx, exec *domain.Execution, plan jobPlan) error {
	status := domain.ExecutionCompleted
	var result *domain.ExecutionResult

	byPlanLocalID := make(map[string]domain.Job)
	for _, j := range plan.jobsScratch {
		byPlanLocalID[j.PlanLocalID] = j
	}

	anyFailed, anyCancelled := false, false
	for _, j := range plan.jobsScratch {
		switch j.Status {
		case domain.JobFailed:
			anyFailed = true
		case domain.JobCancelled:
			anyCancelled = true
		}
	}
	switch {
	case anyFailed:
		status = domain.ExecutionFailed
	case anyCancelled:
		status = domain.ExecutionCancelled
	default:
		status = domain.ExecutionCompleted
		id := resultJobID(plan.spec)
		if j, ok := byPlanLocalID[id]; ok && j.Result != nil {
			result = &domain.ExecutionResult{JobID: id, Outputs: j.Result.Outputs}
		}
	}

	if err := tx.UpdateExecutionStatus(ctx, exec.ID, status, result); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.ExecutionDuration.Observe(time.Since(exec.CreatedAt).Seconds())
	}
	if exec.Webhook != nil {
		return tx.MarkWebhookPending(ctx, exec.ID)
	}
	return nil
}

func allTerminal(jobs []domain.Job) bool {
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// readyDependents returns every pending job whose DependsOn are all
// completed (cancelled/failed dependents are never "ready" — they are
// cancelled by transitiveDependents instead).
func readyDependents(jobs []domain.Job) []domain.Job {
	byPlanLocalID := make(map[string]domain.Job, len(jobs))
	for _, j := range jobs {
		byPlanLocalID[j.PlanLocalID] = j
	}

	var ready []domain.Job
	for _, j := range jobs {
		if j.Status != domain.JobPending {
			continue
		}
		allDepsCompleted := true
		for _, dep := range j.DependsOn {
			if byPlanLocalID[dep].Status != domain.JobCompleted {
				allDepsCompleted = false
				break
			}
		}
		if allDepsCompleted {
			ready = append(ready, j)
		}
	}
	return ready
}

// transitiveDependents returns the record ids of every job (direct or
// indirect) that depends on failedPlanLocalID and has not yet reached a
// terminal state.
func transitiveDependents(failedPlanLocalID string, jobs []domain.Job) []string {
	childrenOf := make(map[string][]domain.Job)
	for _, j := range jobs {
		for _, dep := range j.DependsOn {
			childrenOf[dep] = append(childrenOf[dep], j)
		}
	}

	var ids []string
	visited := make(map[string]bool)
	var visit func(planLocalID string)
	visit = func(planLocalID string) {
		for _, child := range childrenOf[planLocalID] {
			if visited[child.PlanLocalID] {
				continue
			}
			visited[child.PlanLocalID] = true
			if !child.Status.IsTerminal() {
				ids = append(ids, child.RecordID)
			}
			visit(child.PlanLocalID)
		}
	}
	visit(failedPlanLocalID)
	return ids
}

// jobPlan is a minimal view over a job snapshot used only by rollUpExecution
// to reuse resultJobID's topological ordering without re-deriving DependsOn
// from JSON columns.
type jobPlan struct {
	spec        domain.Plan
	jobsScratch []domain.Job
}

func normalizedPlanFromJobs(jobs []domain.Job) jobPlan {
	specJobs := make([]domain.JobSpec, 0, len(jobs))
	for _, j := range jobs {
		specJobs = append(specJobs, domain.JobSpec{ID: j.PlanLocalID, Operation: j.Operation, DependsOn: j.DependsOn})
	}
	return jobPlan{spec: domain.Plan{Jobs: specJobs}, jobsScratch: jobs}
}
