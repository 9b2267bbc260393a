package usage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/db"
)

// BudgetExceededError is returned by EnforceBudget when the monthly spend
// limit would be exceeded. Mapped to HTTP 402 at the ingress layer.
type BudgetExceededError struct {
	Limit     float64
	Spent     float64
	Estimated float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("monthly budget exceeded: spent %.6f + estimated %.6f > limit %.2f USD",
		e.Spent, e.Estimated, e.Limit)
}

// BudgetStatus reports where the current month's spend stands relative to
// the configured limit. Limit and Remaining are nil when no limit is set.
type BudgetStatus struct {
	Limit     *float64 `json:"limit"`
	AlertOnly bool     `json:"alert_only"`
	Spent     float64  `json:"spent"`
	Remaining *float64 `json:"remaining"`
	Window    string   `json:"window"`
	Allowed   bool     `json:"allowed"`
}

// monthWindow returns the half-open window [first of month 00:00:00Z, now).
func monthWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, now
}

// BudgetStatusFor computes the budget status given an estimated cost for
// the next request. Estimates below zero count as zero.
func (t *Tracker) BudgetStatusFor(ctx context.Context, estimated float64) (*BudgetStatus, error) {
	limit, err := t.store.GetSpendLimit(ctx)
	if err != nil {
		return nil, err
	}

	from, to := monthWindow(time.Now())
	spent, err := t.store.TotalCost(ctx, from, to)
	if err != nil {
		return nil, err
	}

	status := &BudgetStatus{
		Spent:   spent,
		Window:  "monthly",
		Allowed: true,
	}
	if limit == nil || limit.AmountUSD == nil {
		if limit != nil {
			status.AlertOnly = limit.AlertOnly
		}
		return status, nil
	}

	if estimated < 0 {
		estimated = 0
	}
	remaining := *limit.AmountUSD - spent
	status.Limit = limit.AmountUSD
	status.AlertOnly = limit.AlertOnly
	status.Remaining = &remaining
	status.Allowed = spent+estimated <= *limit.AmountUSD
	return status, nil
}

// EnforceBudget gates a request on the monthly spend limit. When the limit
// would be exceeded it returns a BudgetExceededError, unless the limit is
// alert-only, in which case a warning is logged and the request proceeds.
func (t *Tracker) EnforceBudget(ctx context.Context, estimated float64) error {
	status, err := t.BudgetStatusFor(ctx, estimated)
	if err != nil {
		return err
	}
	if status.Allowed {
		return nil
	}
	if status.AlertOnly {
		t.logger.Warn("monthly budget exceeded, alert-only mode allows request",
			zap.Float64p("limit", status.Limit),
			zap.Float64("spent", status.Spent),
			zap.Float64("estimated", estimated),
		)
		return nil
	}
	return &BudgetExceededError{
		Limit:     *status.Limit,
		Spent:     status.Spent,
		Estimated: estimated,
	}
}

// SetSpendLimit updates the singleton monthly limit. A nil amount removes
// the cap.
func (t *Tracker) SetSpendLimit(ctx context.Context, amountUSD *float64, alertOnly bool) error {
	return t.store.SetSpendLimit(ctx, &db.SpendLimitRecord{
		AmountUSD: amountUSD,
		AlertOnly: alertOnly,
		Window:    "monthly",
		UpdatedAt: time.Now().UTC(),
	})
}
