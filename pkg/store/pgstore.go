package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
)

// serializationFailureCode is the Postgres SQLSTATE for a serializable
// transaction that lost a write-write race; WithTx retries it since the
// caller's fn is expected to be idempotent on retry.
const serializationFailureCode = "40001"

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailureCode
}

// PgStore is the pgx/v5-backed Store implementation. Every multi-row
// mutation runs inside pgx.Tx with serializable isolation.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps an already-configured pgxpool.Pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateExecution(ctx context.Context, exec *domain.Execution, jobs []domain.Job) error {
	return s.WithTx(ctx, func(tx Tx) error {
		pgTx := tx.(*pgTx)

		planJSON, err := json.Marshal(exec.Plan)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshaling plan")
		}
		webhookJSON := []byte("null")
		if exec.Webhook != nil {
			webhookJSON, err = json.Marshal(exec.Webhook)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshaling webhook")
			}
		}
		_, err = pgTx.tx.Exec(ctx, `
			INSERT INTO executions (id, tenant_id, plan_json, status, webhook_json, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			exec.ID, exec.TenantID, planJSON, exec.Status, webhookJSON, exec.CreatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "inserting execution")
		}

		for _, j := range jobs {
			paramsJSON, err := json.Marshal(j.Params)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshaling job params")
			}
			dependsOnJSON, err := json.Marshal(j.DependsOn)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshaling job dependsOn")
			}
			_, err = pgTx.tx.Exec(ctx, `
				INSERT INTO execution_jobs (id, execution_id, plan_local_id, operation, params_json, depends_on_json, status, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				j.RecordID, j.ExecutionID, j.PlanLocalID, j.Operation, paramsJSON, dependsOnJSON, j.Status, j.CreatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "inserting job")
			}
		}
		return nil
	})
}

func (s *PgStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := s.pool.QueryRow(ctx, executionSelectSQL+" WHERE id = $1", executionID)
	return scanExecution(row)
}

func (s *PgStore) GetJob(ctx context.Context, jobRecordID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, jobSelectSQL+" WHERE id = $1", jobRecordID)
	return scanJob(row)
}

func (s *PgStore) ListJobs(ctx context.Context, executionID string) ([]domain.Job, error) {
	rows, err := s.pool.Query(ctx, jobSelectSQL+" WHERE execution_id = $1 ORDER BY created_at ASC", executionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "listing jobs")
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PgStore) GetProviderAPIKey(ctx context.Context, tenantID, operation string) (string, bool, error) {
	var encrypted string
	err := s.pool.QueryRow(ctx,
		`SELECT encrypted_value FROM provider_api_keys WHERE tenant_id = $1 AND operation = $2`,
		tenantID, operation).Scan(&encrypted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "looking up provider API key override")
	}
	return encrypted, true, nil
}

func (s *PgStore) ClaimPollableJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	var result []domain.Job
	err := s.WithTx(ctx, func(tx Tx) error {
		pgTx := tx.(*pgTx)
		rows, err := pgTx.tx.Query(ctx, jobSelectSQL+`
			WHERE status = 'waiting' AND wait_strategy = 'polling' AND next_poll_at <= now()
			ORDER BY next_poll_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "claiming pollable jobs")
		}
		defer rows.Close()
		jobs, err := scanJobs(rows)
		if err != nil {
			return err
		}
		// Bump next_poll_at far enough out that a concurrent poller won't
		// re-claim this batch before the handler has reported back.
		for _, j := range jobs {
			if _, err := pgTx.tx.Exec(ctx, `UPDATE execution_jobs SET next_poll_at = now() + interval '30 seconds' WHERE id = $1`, j.RecordID); err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "extending poll lease")
			}
		}
		result = jobs
		return nil
	})
	return result, err
}

func (s *PgStore) ClaimPendingWebhookDeliveries(ctx context.Context, limit int, maxAttempts int) ([]domain.Execution, error) {
	var result []domain.Execution
	err := s.WithTx(ctx, func(tx Tx) error {
		pgTx := tx.(*pgTx)
		rows, err := pgTx.tx.Query(ctx, webhookClaimSQL, maxAttempts, limit)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "claiming webhook deliveries")
		}
		defer rows.Close()
		execs, err := scanExecutions(rows)
		if err != nil {
			return err
		}
		result = execs
		return nil
	})
	return result, err
}

func (s *PgStore) GetUsageLimits(ctx context.Context, tenantID string) (*domain.UsageLimits, error) {
	row := s.pool.QueryRow(ctx, usageSelectSQL+" WHERE tenant_id = $1", tenantID)
	return scanUsageLimits(row)
}

func (s *PgStore) UpsertUsageLimits(ctx context.Context, limits *domain.UsageLimits) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_limits (tenant_id, plan, monthly_action_limit, unlimited, period_start, period_end,
			actions_used_this_period, overage_actions_this_period, overage_allowed, overage_action_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			monthly_action_limit = EXCLUDED.monthly_action_limit,
			unlimited = EXCLUDED.unlimited,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			actions_used_this_period = EXCLUDED.actions_used_this_period,
			overage_actions_this_period = EXCLUDED.overage_actions_this_period,
			overage_allowed = EXCLUDED.overage_allowed,
			overage_action_price = EXCLUDED.overage_action_price`,
		limits.TenantID, limits.Plan, limits.MonthlyActionLimit, limits.Unlimited, limits.PeriodStart, limits.PeriodEnd,
		limits.ActionsUsedThisPeriod, limits.OverageActionsThisPeriod, limits.OverageAllowed, limits.OverageActionPrice)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "upserting usage limits")
	}
	return nil
}

func (s *PgStore) ListExpiredUsagePeriods(ctx context.Context, asOf time.Time) ([]domain.UsageLimits, error) {
	rows, err := s.pool.Query(ctx, usageSelectSQL+" WHERE NOT unlimited AND period_end <= $1", asOf)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "listing expired usage periods")
	}
	defer rows.Close()

	var out []domain.UsageLimits
	for rows.Next() {
		u, err := scanUsageLimits(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "iterating expired usage periods")
	}
	return out, nil
}

func (s *PgStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(20*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.withTxOnce(ctx, fn)
		if err != nil && isSerializationFailure(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *PgStore) withTxOnce(ctx context.Context, fn func(tx Tx) error) error {
	pgxTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "beginning transaction")
	}
	defer func() { _ = pgxTx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: pgxTx}); err != nil {
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "committing transaction")
	}
	return nil
}

// pgTx implements Tx against a live pgx.Tx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetJobForUpdate(ctx context.Context, jobRecordID string) (*domain.Job, error) {
	row := t.tx.QueryRow(ctx, jobSelectSQL+" WHERE id = $1 FOR UPDATE", jobRecordID)
	return scanJob(row)
}

func (t *pgTx) ListJobsForUpdate(ctx context.Context, executionID string) ([]domain.Job, error) {
	rows, err := t.tx.Query(ctx, jobSelectSQL+" WHERE execution_id = $1 ORDER BY created_at ASC FOR UPDATE", executionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "listing jobs for update")
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (t *pgTx) GetExecutionForUpdate(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := t.tx.QueryRow(ctx, executionSelectSQL+" WHERE id = $1 FOR UPDATE", executionID)
	return scanExecution(row)
}

func (t *pgTx) UpdateJobStatus(ctx context.Context, jobRecordID string, status domain.JobStatus, result *domain.JobResult, errMsg *string) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshaling job result")
		}
	}
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE execution_jobs
		SET status = $1, result_json = $2, error = $3, completed_at = COALESCE($4, completed_at)
		WHERE id = $5`,
		status, resultJSON, errMsg, completedAt, jobRecordID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "updating job status")
	}
	return nil
}

func (t *pgTx) MarkJobActionLogged(ctx context.Context, jobRecordID string) error {
	_, err := t.tx.Exec(ctx, `UPDATE execution_jobs SET action_logged = true WHERE id = $1`, jobRecordID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "marking job action logged")
	}
	return nil
}

func (t *pgTx) UpdateJobWaitState(ctx context.Context, jobRecordID string, providerJobID string, strategy domain.WaitStrategy, nextPollAt *time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE execution_jobs
		SET status = 'waiting', provider_job_id = $1, wait_strategy = $2, next_poll_at = $3
		WHERE id = $4`,
		providerJobID, strategy, nextPollAt, jobRecordID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "updating job wait state")
	}
	return nil
}

func (t *pgTx) IncrementJobPollAttempt(ctx context.Context, jobRecordID string, nextPollAt time.Time, lastErr *string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE execution_jobs
		SET poll_attempts = poll_attempts + 1, next_poll_at = $1, last_poll_error = $2
		WHERE id = $3`,
		nextPollAt, lastErr, jobRecordID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "incrementing poll attempt")
	}
	return nil
}

func (t *pgTx) CancelJobs(ctx context.Context, jobRecordIDs []string, reason string) error {
	if len(jobRecordIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE execution_jobs
		SET status = 'cancelled', error = $1, completed_at = now()
		WHERE id = ANY($2) AND status NOT IN ('completed', 'failed', 'cancelled')`,
		reason, jobRecordIDs)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "cancelling jobs")
	}
	return nil
}

func (t *pgTx) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, result *domain.ExecutionResult) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshaling execution result")
		}
	}
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE executions
		SET status = $1, result_json = $2, completed_at = COALESCE($3, completed_at)
		WHERE id = $4`,
		status, resultJSON, completedAt, executionID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "updating execution status")
	}
	return nil
}

func (t *pgTx) MarkWebhookPending(ctx context.Context, executionID string) error {
	_, err := t.tx.Exec(ctx, `UPDATE executions SET webhook_delivery_attempts = 0 WHERE id = $1`, executionID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "marking webhook pending")
	}
	return nil
}

func (t *pgTx) MarkWebhookDelivered(ctx context.Context, executionID string) error {
	_, err := t.tx.Exec(ctx, `UPDATE executions SET webhook_delivered_at = now() WHERE id = $1`, executionID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "marking webhook delivered")
	}
	return nil
}

func (t *pgTx) RecordWebhookAttempt(ctx context.Context, executionID string, errMsg *string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE executions
		SET webhook_delivery_attempts = webhook_delivery_attempts + 1, webhook_last_error = $1
		WHERE id = $2`, errMsg, executionID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "recording webhook attempt")
	}
	return nil
}

func (t *pgTx) AppendActionLog(ctx context.Context, log domain.ActionLog) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO action_logs (tenant_id, execution_id, job_record_id, action_kind, count, is_overage, estimated_cost, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_record_id) DO NOTHING`,
		log.TenantID, log.ExecutionID, log.JobRecordID, log.ActionKind, log.Count, log.IsOverage, log.EstimatedCost, log.Timestamp)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "appending action log")
	}
	return nil
}

func (t *pgTx) IncrementUsage(ctx context.Context, tenantID string, count int, overageCount int) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE usage_limits
		SET actions_used_this_period = actions_used_this_period + $1,
		    overage_actions_this_period = overage_actions_this_period + $2
		WHERE tenant_id = $3`,
		count, overageCount, tenantID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "incrementing usage")
	}
	return nil
}

func (t *pgTx) GetUsageLimitsForUpdate(ctx context.Context, tenantID string) (*domain.UsageLimits, error) {
	row := t.tx.QueryRow(ctx, usageSelectSQL+" WHERE tenant_id = $1 FOR UPDATE", tenantID)
	return scanUsageLimits(row)
}

// rowScanner abstracts over pgx.Row / pgx.Rows so scan helpers work for both
// single-row and multi-row queries.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var paramsJSON, dependsOnJSON, resultJSON []byte
	err := row.Scan(
		&j.RecordID, &j.ExecutionID, &j.PlanLocalID, &j.Operation, &paramsJSON, &dependsOnJSON,
		&j.Status, &resultJSON, &j.Error, &j.ProviderJobID, &j.WaitStrategy, &j.NextPollAt,
		&j.PollAttempts, &j.LastPollError, &j.ActionLogged, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "scanning job")
	}
	if err := unmarshalIfPresent(paramsJSON, &j.Params); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(dependsOnJSON, &j.DependsOn); err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		var r domain.JobResult
		if err := json.Unmarshal(resultJSON, &r); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshaling job result")
		}
		j.Result = &r
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "iterating jobs")
	}
	return out, nil
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var e domain.Execution
	var planJSON, webhookJSON, resultJSON []byte
	err := row.Scan(
		&e.ID, &e.TenantID, &planJSON, &e.Status, &resultJSON, &e.Error,
		&webhookJSON, &e.WebhookDeliveryAttempts, &e.WebhookLastError, &e.WebhookDeliveredAt,
		&e.CreatedAt, &e.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("execution")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "scanning execution")
	}
	if err := unmarshalIfPresent(planJSON, &e.Plan); err != nil {
		return nil, err
	}
	if len(webhookJSON) > 0 && string(webhookJSON) != "null" {
		var w domain.WebhookDescriptor
		if err := json.Unmarshal(webhookJSON, &w); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshaling webhook descriptor")
		}
		e.Webhook = &w
	}
	if len(resultJSON) > 0 {
		var r domain.ExecutionResult
		if err := json.Unmarshal(resultJSON, &r); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshaling execution result")
		}
		e.Result = &r
	}
	return &e, nil
}

func scanExecutions(rows pgx.Rows) ([]domain.Execution, error) {
	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "iterating executions")
	}
	return out, nil
}

func scanUsageLimits(row rowScanner) (*domain.UsageLimits, error) {
	var u domain.UsageLimits
	err := row.Scan(
		&u.TenantID, &u.Plan, &u.MonthlyActionLimit, &u.Unlimited, &u.PeriodStart, &u.PeriodEnd,
		&u.ActionsUsedThisPeriod, &u.OverageActionsThisPeriod, &u.OverageAllowed, &u.OverageActionPrice,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("usage limits")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "scanning usage limits")
	}
	return &u, nil
}

func unmarshalIfPresent(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshaling json column")
	}
	return nil
}

const jobSelectSQL = `
SELECT id, execution_id, plan_local_id, operation, params_json, depends_on_json,
       status, result_json, error, provider_job_id, wait_strategy, next_poll_at,
       poll_attempts, last_poll_error, action_logged, created_at, started_at, completed_at
FROM execution_jobs`

const executionSelectSQL = `
SELECT id, tenant_id, plan_json, status, result_json, error,
       webhook_json, webhook_delivery_attempts, webhook_last_error, webhook_delivered_at,
       created_at, completed_at
FROM executions`

// webhookClaimSQL excludes executions that have already exhausted their
// delivery attempts ($1) so a dead tenant endpoint stops being reclaimed
// forever once Deliverer has escalated it; the caller binds $1 = maxAttempts,
// $2 = limit.
const webhookClaimSQL = executionSelectSQL + `
WHERE webhook_json IS NOT NULL AND webhook_json != 'null'
  AND status IN ('completed', 'failed', 'cancelled')
  AND webhook_delivered_at IS NULL
  AND webhook_delivery_attempts < $1
ORDER BY completed_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`

const usageSelectSQL = `
SELECT tenant_id, plan, monthly_action_limit, unlimited, period_start, period_end,
       actions_used_this_period, overage_actions_this_period, overage_allowed, overage_action_price
FROM usage_limits`
