// Package usage implements per-tenant quota admission and the monthly usage
// ledger. Admission decisions are evaluated by an embedded Rego policy so
// the allow/overage rule can be tuned (e.g. per-plan overage eligibility)
// without a code change.
package usage

import (
	"context"
	_ "embed"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/store"
)

//go:embed policy.rego
var defaultPolicyModule string

// meter publishes billing-relevant counters through otel's metrics API,
// kept separate from pkg/metrics' operational Prometheus gauges so a
// billing export pipeline can subscribe to it independently.
var meter = otel.Meter("github.com/synthome-dev/mediaforge/pkg/usage")

// Accountant evaluates admission decisions and keeps the monthly usage
// ledger current.
type Accountant struct {
	store                     store.Store
	allowQuery                rego.PreparedEvalQuery
	overageQuery              rego.PreparedEvalQuery
	defaultFreeMonthlyActions int
	defaultOverageActionPrice float64
	overageActions            metric.Int64Counter
}

// Config configures the defaults applied when a tenant has no usage_limits
// row yet (first execution for a free-tier tenant).
type Config struct {
	DefaultFreeMonthlyActions int
	DefaultOverageActionPrice float64
	// PolicyModule overrides the embedded default Rego policy; leave empty
	// to use the bundled policy.rego.
	PolicyModule string
}

// NewAccountant prepares the Rego evaluator and returns an Accountant bound
// to st.
func NewAccountant(ctx context.Context, st store.Store, cfg Config) (*Accountant, error) {
	module := cfg.PolicyModule
	if module == "" {
		module = defaultPolicyModule
	}

	allowQuery, err := rego.New(
		rego.Query("data.usage.allow"),
		rego.Module("usage.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "preparing usage allow policy")
	}
	overageQuery, err := rego.New(
		rego.Query("data.usage.is_overage"),
		rego.Module("usage.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "preparing usage overage policy")
	}

	overageActions, err := meter.Int64Counter("mediaforge.usage.overage_actions",
		metric.WithDescription("actions admitted past a tenant's monthly limit under overage billing"))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "registering overage counter")
	}

	return &Accountant{
		store:                     st,
		allowQuery:                allowQuery,
		overageQuery:              overageQuery,
		defaultFreeMonthlyActions: cfg.DefaultFreeMonthlyActions,
		defaultOverageActionPrice: cfg.DefaultOverageActionPrice,
		overageActions:            overageActions,
	}, nil
}

// CheckUsageAllowed evaluates whether tenantID may consume requested more
// actions this period, bootstrapping a free-plan usage_limits row on first
// use.
func (a *Accountant) CheckUsageAllowed(ctx context.Context, tenantID string, requested int) (domain.UsageDecision, error) {
	limits, err := a.store.GetUsageLimits(ctx, tenantID)
	if err != nil {
		appErr, ok := apperrors.As(err)
		if !ok || appErr.Type != apperrors.ErrorTypeNotFound {
			return domain.UsageDecision{}, err
		}
		limits, err = a.bootstrapFreePlan(ctx, tenantID)
		if err != nil {
			return domain.UsageDecision{}, err
		}
	}

	input := map[string]interface{}{
		"unlimited":      limits.Unlimited,
		"used":           limits.ActionsUsedThisPeriod,
		"limit":          limits.MonthlyActionLimit,
		"overageAllowed": limits.OverageAllowed,
		"requested":      requested,
	}

	allowed, err := a.evalBool(ctx, a.allowQuery, input)
	if err != nil {
		return domain.UsageDecision{}, err
	}
	if !allowed {
		reason := "monthly action limit exceeded, resets " + limits.PeriodEnd.Format(time.RFC3339)
		return domain.UsageDecision{Allowed: false, Reason: reason}, nil
	}

	overage, err := a.evalBool(ctx, a.overageQuery, input)
	if err != nil {
		return domain.UsageDecision{}, err
	}
	if overage {
		a.overageActions.Add(ctx, int64(requested), metric.WithAttributes(
			attribute.String("tenant.id", tenantID),
		))
	}
	return domain.UsageDecision{Allowed: true, IsOverage: overage}, nil
}

func (a *Accountant) evalBool(ctx context.Context, query rego.PreparedEvalQuery, input map[string]interface{}) (bool, error) {
	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "evaluating usage policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	b, _ := rs[0].Expressions[0].Value.(bool)
	return b, nil
}

func (a *Accountant) bootstrapFreePlan(ctx context.Context, tenantID string) (*domain.UsageLimits, error) {
	now := time.Now().UTC()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	limits := &domain.UsageLimits{
		TenantID:           tenantID,
		Plan:               domain.PlanFree,
		MonthlyActionLimit: a.defaultFreeMonthlyActions,
		PeriodStart:        periodStart,
		PeriodEnd:          periodStart.AddDate(0, 1, 0),
		OverageActionPrice: a.defaultOverageActionPrice,
	}
	if err := a.store.UpsertUsageLimits(ctx, limits); err != nil {
		return nil, err
	}
	return limits, nil
}

// ResetExpiredPeriods rolls every tenant whose billing period has elapsed
// into a fresh period with zeroed counters, run on a daily schedule from
// cmd/orchestrator.
func (a *Accountant) ResetExpiredPeriods(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := a.store.ListExpiredUsagePeriods(ctx, now)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		limits := expired[i]
		limits.PeriodStart = limits.PeriodEnd
		limits.PeriodEnd = limits.PeriodStart.AddDate(0, 1, 0)
		limits.ActionsUsedThisPeriod = 0
		limits.OverageActionsThisPeriod = 0
		if err := a.store.UpsertUsageLimits(ctx, &limits); err != nil {
			return i, err
		}
	}
	return len(expired), nil
}
