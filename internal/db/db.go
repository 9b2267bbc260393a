package db

import (
	"context"
	"time"
)

// Store is the gateway's persistence interface.
type Store interface {
	UsageStore
	SpendLimitStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Usage store ─────────────────────────────────────────────────────────────

// UsageRecord is one completed request's token and cost accounting.
// Records are append-only; a record exists only for requests whose upstream
// call succeeded (or whose stream completed).
type UsageRecord struct {
	RequestID string    `json:"request_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`

	InputTokens           int `json:"input_tokens"`
	CacheWriteInputTokens int `json:"cache_write_input_tokens"`
	CacheReadInputTokens  int `json:"cache_read_input_tokens"`
	OutputTokens          int `json:"output_tokens"`
	TotalTokens           int `json:"total_tokens"`

	InputCost      float64 `json:"input_cost"`
	CacheWriteCost float64 `json:"cache_write_cost"`
	CacheReadCost  float64 `json:"cache_read_cost"`
	OutputCost     float64 `json:"output_cost"`
	TotalCost      float64 `json:"total_cost"`

	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"payment_method"`
	CreatedAt     time.Time `json:"created_at"`
}

// UsageQuery scopes a usage listing. The window is half-open: [From, To).
type UsageQuery struct {
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// HourlyPoint is one hour of aggregated usage.
type HourlyPoint struct {
	Hour        time.Time `json:"hour"`
	Requests    int64     `json:"requests"`
	TotalTokens int64     `json:"total_tokens"`
	TotalCost   float64   `json:"total_cost"`
}

// UsageStore persists and aggregates usage records. All aggregate windows
// are half-open [from, to).
type UsageStore interface {
	// AppendUsage writes a single usage record.
	AppendUsage(ctx context.Context, rec *UsageRecord) error

	// QueryUsage lists records in a window, newest first.
	// Limit defaults to 100 and is capped at 500.
	QueryUsage(ctx context.Context, q UsageQuery) ([]*UsageRecord, error)

	// TotalCost sums total_cost over the window.
	TotalCost(ctx context.Context, from, to time.Time) (float64, error)

	// TotalTokens sums total_tokens over the window.
	TotalTokens(ctx context.Context, from, to time.Time) (int64, error)

	// TotalRequests counts records in the window.
	TotalRequests(ctx context.Context, from, to time.Time) (int64, error)

	// CostByProvider sums total_cost grouped by provider.
	CostByProvider(ctx context.Context, from, to time.Time) (map[string]float64, error)

	// CostByModel sums total_cost grouped by model.
	CostByModel(ctx context.Context, from, to time.Time) (map[string]float64, error)

	// HourlyUsage buckets the window by hour, oldest first.
	HourlyUsage(ctx context.Context, from, to time.Time) ([]*HourlyPoint, error)
}

// ─── Spend limit store ───────────────────────────────────────────────────────

// SpendLimitRecord is the singleton spend limit. A nil AmountUSD means
// unlimited.
type SpendLimitRecord struct {
	AmountUSD *float64  `json:"amount_usd"`
	AlertOnly bool      `json:"alert_only"`
	Window    string    `json:"window"` // always "monthly"
	UpdatedAt time.Time `json:"updated_at"`
}

// SpendLimitStore persists the singleton spend limit row.
type SpendLimitStore interface {
	// GetSpendLimit reads the spend limit. Returns nil, nil when never set.
	GetSpendLimit(ctx context.Context) (*SpendLimitRecord, error)

	// SetSpendLimit writes (or overwrites) the spend limit.
	SetSpendLimit(ctx context.Context, rec *SpendLimitRecord) error
}
