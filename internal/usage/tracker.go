package usage

// Package usage turns per-request token counts into persisted, priced usage
// records and answers aggregate queries over them.
//
// Responsibilities:
//   - Price each completed request via the pricing catalog
//   - Persist an append-only usage record per successful request
//   - Serve aggregate summaries and hourly breakdowns
//   - Enforce the monthly spend limit before dispatch (budget.go)

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/db"
	"github.com/ekailabs/ekai-gateway-sub002/internal/pricing"
)

// Tracker records and aggregates usage. Safe for concurrent use.
type Tracker struct {
	store   db.Store
	pricing *pricing.Catalog
	logger  *zap.Logger
}

// NewTracker creates a usage tracker over the given store and pricing
// catalog.
func NewTracker(store db.Store, pc *pricing.Catalog, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, pricing: pc, logger: logger}
}

// RecordParams carries the token counts of one completed request.
type RecordParams struct {
	Provider string
	Model    string

	InputTokens      int
	OutputTokens     int
	CacheWriteTokens int
	CacheReadTokens  int

	// PaymentMethod defaults to "api_key". PaymentAmount, when set,
	// overrides the catalog-derived total (x402-style settled payments).
	PaymentMethod string
	PaymentAmount *float64
}

// Record prices and persists one usage record. A missing pricing entry is
// not an error: the record is written with zero cost and a warning is
// logged by the catalog.
func (t *Tracker) Record(ctx context.Context, p RecordParams) (*db.UsageRecord, error) {
	now := time.Now().UTC()
	rec := &db.UsageRecord{
		RequestID:             uuid.NewString(),
		Provider:              p.Provider,
		Model:                 p.Model,
		Timestamp:             now,
		InputTokens:           p.InputTokens,
		CacheWriteInputTokens: p.CacheWriteTokens,
		CacheReadInputTokens:  p.CacheReadTokens,
		OutputTokens:          p.OutputTokens,
		TotalTokens:           p.InputTokens + p.CacheWriteTokens + p.CacheReadTokens + p.OutputTokens,
		Currency:              "USD",
		PaymentMethod:         p.PaymentMethod,
		CreatedAt:             now,
	}
	if rec.PaymentMethod == "" {
		rec.PaymentMethod = "api_key"
	}

	cost, err := t.pricing.CalculateCost(p.Provider, p.Model, p.InputTokens, p.OutputTokens, p.CacheWriteTokens, p.CacheReadTokens)
	if err != nil {
		t.logger.Warn("cost calculation failed, recording zero cost",
			zap.String("provider", p.Provider),
			zap.String("model", p.Model),
			zap.Error(err),
		)
	}
	if cost != nil {
		rec.InputCost = cost.InputCost
		rec.CacheWriteCost = cost.CacheWriteCost
		rec.CacheReadCost = cost.CacheReadCost
		rec.OutputCost = cost.OutputCost
		rec.TotalCost = cost.TotalCost
		if cost.Currency != "" {
			rec.Currency = cost.Currency
		}
	}
	if p.PaymentAmount != nil {
		rec.TotalCost = *p.PaymentAmount
	}

	if err := t.store.AppendUsage(ctx, rec); err != nil {
		return nil, err
	}

	t.logger.Info("usage recorded",
		zap.String("request_id", rec.RequestID),
		zap.String("provider", rec.Provider),
		zap.String("model", rec.Model),
		zap.Int("total_tokens", rec.TotalTokens),
		zap.Float64("total_cost", rec.TotalCost),
	)
	return rec, nil
}

// Summary is the aggregate view over a window.
type Summary struct {
	From           time.Time          `json:"from"`
	To             time.Time          `json:"to"`
	TotalCost      float64            `json:"total_cost"`
	TotalTokens    int64              `json:"total_tokens"`
	TotalRequests  int64              `json:"total_requests"`
	CostByProvider map[string]float64 `json:"cost_by_provider"`
	CostByModel    map[string]float64 `json:"cost_by_model"`
}

// Summarize aggregates usage over the half-open window [from, to).
func (t *Tracker) Summarize(ctx context.Context, from, to time.Time) (*Summary, error) {
	s := &Summary{From: from, To: to}
	var err error
	if s.TotalCost, err = t.store.TotalCost(ctx, from, to); err != nil {
		return nil, err
	}
	if s.TotalTokens, err = t.store.TotalTokens(ctx, from, to); err != nil {
		return nil, err
	}
	if s.TotalRequests, err = t.store.TotalRequests(ctx, from, to); err != nil {
		return nil, err
	}
	if s.CostByProvider, err = t.store.CostByProvider(ctx, from, to); err != nil {
		return nil, err
	}
	if s.CostByModel, err = t.store.CostByModel(ctx, from, to); err != nil {
		return nil, err
	}
	return s, nil
}

// Hourly returns the per-hour breakdown for the last 24 hours.
func (t *Tracker) Hourly(ctx context.Context) ([]*db.HourlyPoint, error) {
	now := time.Now().UTC()
	return t.store.HourlyUsage(ctx, now.Add(-24*time.Hour), now)
}

// Records lists raw usage records for a window, newest first.
func (t *Tracker) Records(ctx context.Context, q db.UsageQuery) ([]*db.UsageRecord, error) {
	return t.store.QueryUsage(ctx, q)
}
