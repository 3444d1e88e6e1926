// Package store defines the orchestrator's durable persistence boundary.
// The primary implementation (pgstore) runs every multi-table mutation
// inside a single serializable transaction so that job-terminal handling,
// usage ledger writes, and execution roll-up never diverge.
package store

import (
	"context"
	"time"

	"github.com/synthome-dev/mediaforge/pkg/domain"
)

// Store is the durable persistence boundary used by the orchestrator,
// worker pool, and async-wait coordinator.
type Store interface {
	// CreateExecution persists a new execution and its jobs atomically.
	CreateExecution(ctx context.Context, exec *domain.Execution, jobs []domain.Job) error

	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	GetJob(ctx context.Context, jobRecordID string) (*domain.Job, error)
	ListJobs(ctx context.Context, executionID string) ([]domain.Job, error)

	// ClaimPollableJobs leases up to limit jobs whose NextPollAt has
	// elapsed, using SELECT ... FOR UPDATE SKIP LOCKED so concurrent
	// poller instances never double-lease the same job.
	ClaimPollableJobs(ctx context.Context, limit int) ([]domain.Job, error)

	// ClaimPendingWebhookDeliveries leases executions awaiting outbound
	// webhook delivery, same locking discipline as ClaimPollableJobs.
	// maxAttempts excludes executions that have already exhausted their
	// delivery attempts, so a permanently failing endpoint stops being
	// reclaimed once Deliverer has escalated it.
	ClaimPendingWebhookDeliveries(ctx context.Context, limit int, maxAttempts int) ([]domain.Execution, error)

	// GetProviderAPIKey returns the tenant's encrypted credential override
	// for operation, if one has been provisioned, for decryption by the
	// caller (internal/cryptox). ok is false when the tenant has no
	// override and the platform default credential should be used.
	GetProviderAPIKey(ctx context.Context, tenantID, operation string) (encrypted string, ok bool, err error)

	GetUsageLimits(ctx context.Context, tenantID string) (*domain.UsageLimits, error)
	UpsertUsageLimits(ctx context.Context, limits *domain.UsageLimits) error
	// ListExpiredUsagePeriods returns every tenant not on an unlimited plan
	// whose billing period has elapsed as of asOf, for the periodic
	// usage-reset task.
	ListExpiredUsagePeriods(ctx context.Context, asOf time.Time) ([]domain.UsageLimits, error)

	// WithTx runs fn inside a single serializable transaction, retrying
	// on serialization failure.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of mutations available inside a single WithTx call.
type Tx interface {
	GetJobForUpdate(ctx context.Context, jobRecordID string) (*domain.Job, error)
	ListJobsForUpdate(ctx context.Context, executionID string) ([]domain.Job, error)
	GetExecutionForUpdate(ctx context.Context, executionID string) (*domain.Execution, error)

	UpdateJobStatus(ctx context.Context, jobRecordID string, status domain.JobStatus, result *domain.JobResult, errMsg *string) error
	MarkJobActionLogged(ctx context.Context, jobRecordID string) error
	UpdateJobWaitState(ctx context.Context, jobRecordID string, providerJobID string, strategy domain.WaitStrategy, nextPollAt *time.Time) error
	IncrementJobPollAttempt(ctx context.Context, jobRecordID string, nextPollAt time.Time, lastErr *string) error
	CancelJobs(ctx context.Context, jobRecordIDs []string, reason string) error

	UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, result *domain.ExecutionResult) error
	MarkWebhookPending(ctx context.Context, executionID string) error
	MarkWebhookDelivered(ctx context.Context, executionID string) error
	RecordWebhookAttempt(ctx context.Context, executionID string, errMsg *string) error

	AppendActionLog(ctx context.Context, log domain.ActionLog) error
	IncrementUsage(ctx context.Context, tenantID string, count int, overageCount int) error
	GetUsageLimitsForUpdate(ctx context.Context, tenantID string) (*domain.UsageLimits, error)
}
