// Package reporting serves read-only billing/usage exports over a secondary
// sqlx + lib/pq connection, kept separate from the pgx OLTP pool so a slow
// analytics query can never starve job-processing transactions.
package reporting

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
)

// Reader serves aggregate usage and billing queries against the reporting
// replica.
type Reader struct {
	db *sqlx.DB
}

// Open connects to dsn using lib/pq and verifies connectivity.
func Open(dsn string) (*Reader, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "connecting to reporting database")
	}
	return &Reader{db: db}, nil
}

// Close releases the underlying connection pool.
func (r *Reader) Close() error {
	return r.db.Close()
}

// TenantActionSummary is one row of the per-tenant action export.
type TenantActionSummary struct {
	TenantID        string    `db:"tenant_id"`
	ActionKind      string    `db:"action_kind"`
	TotalCount      int64     `db:"total_count"`
	OverageCount    int64     `db:"overage_count"`
	EstimatedCost   float64   `db:"estimated_cost"`
	PeriodStart     time.Time `db:"period_start"`
	PeriodEnd       time.Time `db:"period_end"`
}

// ActionSummaryForPeriod aggregates action_logs for a tenant across
// [periodStart, periodEnd), grouped by action kind, for monthly invoicing.
func (r *Reader) ActionSummaryForPeriod(ctx context.Context, tenantID string, periodStart, periodEnd time.Time) ([]TenantActionSummary, error) {
	const q = `
		SELECT
			tenant_id,
			action_kind,
			SUM(count) AS total_count,
			SUM(CASE WHEN is_overage THEN count ELSE 0 END) AS overage_count,
			SUM(estimated_cost) AS estimated_cost,
			$2 AS period_start,
			$3 AS period_end
		FROM action_logs
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp < $3
		GROUP BY tenant_id, action_kind
		ORDER BY action_kind`

	var rows []TenantActionSummary
	if err := r.db.SelectContext(ctx, &rows, q, tenantID, periodStart, periodEnd); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "querying action summary")
	}
	return rows, nil
}

// OverageTenants lists tenants that incurred overage actions within the
// period, used to drive end-of-month overage invoicing.
func (r *Reader) OverageTenants(ctx context.Context, periodStart, periodEnd time.Time) ([]string, error) {
	const q = `
		SELECT DISTINCT tenant_id
		FROM action_logs
		WHERE is_overage = true AND timestamp >= $1 AND timestamp < $2
		ORDER BY tenant_id`

	var tenantIDs []string
	if err := r.db.SelectContext(ctx, &tenantIDs, q, periodStart, periodEnd); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "querying overage tenants")
	}
	return tenantIDs, nil
}
