package domain

import "time"

// PlanKind is the tenant's billing plan.
type PlanKind string

const (
	PlanFree   PlanKind = "free"
	PlanPro    PlanKind = "pro"
	PlanCustom PlanKind = "custom"
)

// UsageLimits is the per-tenant quota row. Exactly one row exists per
// tenant id.
type UsageLimits struct {
	TenantID                 string    `db:"tenant_id"`
	Plan                     PlanKind  `db:"plan"`
	MonthlyActionLimit       int       `db:"monthly_action_limit"`
	Unlimited                bool      `db:"unlimited"`
	PeriodStart              time.Time `db:"period_start"`
	PeriodEnd                time.Time `db:"period_end"`
	ActionsUsedThisPeriod    int       `db:"actions_used_this_period"`
	OverageActionsThisPeriod int       `db:"overage_actions_this_period"`
	OverageAllowed           bool      `db:"overage_allowed"`
	OverageActionPrice       float64   `db:"overage_action_price"`
}

// ActionLog is an append-only billing ledger row. A job record id appears
// at most once across the whole table.
type ActionLog struct {
	ID            int64     `db:"id"`
	TenantID      string    `db:"tenant_id"`
	ExecutionID   string    `db:"execution_id"`
	JobRecordID   string    `db:"job_record_id"`
	ActionKind    string    `db:"action_kind"`
	Count         int       `db:"count"`
	IsOverage     bool      `db:"is_overage"`
	EstimatedCost float64   `db:"estimated_cost"`
	Timestamp     time.Time `db:"timestamp"`
}

// UsageDecision is the result of a pre-admission quota check.
type UsageDecision struct {
	Allowed   bool
	IsOverage bool
	Reason    string
}
