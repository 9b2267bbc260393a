package usage

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/db"
	"github.com/ekailabs/ekai-gateway-sub002/internal/pricing"
)

const openaiPricingYAML = `provider: openai
currency: USD
unit: per_1m_tokens
models:
  gpt-4o:
    input: 2.5
    output: 10.0
    cache_read: 1.25
`

func newTestTracker(t *testing.T) (*Tracker, db.Store) {
	t.Helper()

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "openai.yaml"), []byte(openaiPricingYAML), 0o644); err != nil {
		t.Fatalf("write pricing: %v", err)
	}
	pc := pricing.NewCatalog(dir, zap.NewNop())

	return NewTracker(store, pc, zap.NewNop()), store
}

func TestRecordPricesAndPersists(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()

	rec, err := tr.Record(ctx, RecordParams{
		Provider:        "openai",
		Model:           "gpt-4o",
		InputTokens:     1_000_000,
		OutputTokens:    500_000,
		CacheReadTokens: 200_000,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.RequestID == "" {
		t.Error("request_id not generated")
	}
	if rec.TotalCost != 7.75 {
		t.Errorf("total_cost = %v, want 7.75", rec.TotalCost)
	}
	if rec.TotalTokens != 1_700_000 {
		t.Errorf("total_tokens = %d, want 1700000", rec.TotalTokens)
	}
	if rec.PaymentMethod != "api_key" {
		t.Errorf("payment_method = %q, want api_key", rec.PaymentMethod)
	}

	stored, err := store.QueryUsage(ctx, db.UsageQuery{})
	if err != nil {
		t.Fatalf("QueryUsage: %v", err)
	}
	if len(stored) != 1 || stored[0].RequestID != rec.RequestID {
		t.Fatalf("record not persisted: %v", stored)
	}
}

func TestRecordUnknownModelZeroCost(t *testing.T) {
	tr, _ := newTestTracker(t)

	rec, err := tr.Record(context.Background(), RecordParams{
		Provider:     "openai",
		Model:        "unknown-model",
		InputTokens:  1000,
		OutputTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.TotalCost != 0 {
		t.Errorf("total_cost = %v, want 0 for unpriced model", rec.TotalCost)
	}
	if rec.TotalTokens != 2000 {
		t.Errorf("total_tokens = %d, want 2000 (usage still recorded)", rec.TotalTokens)
	}
}

func TestRecordExplicitPaymentAmount(t *testing.T) {
	tr, _ := newTestTracker(t)

	amount := 0.42
	rec, err := tr.Record(context.Background(), RecordParams{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputTokens:   100,
		OutputTokens:  100,
		PaymentMethod: "x402",
		PaymentAmount: &amount,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.TotalCost != 0.42 {
		t.Errorf("total_cost = %v, want explicit 0.42", rec.TotalCost)
	}
	if rec.PaymentMethod != "x402" {
		t.Errorf("payment_method = %q, want x402", rec.PaymentMethod)
	}
}

func TestSummarize(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := tr.Record(ctx, RecordParams{
			Provider:     "openai",
			Model:        "gpt-4o",
			InputTokens:  1_000_000,
			OutputTokens: 0,
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	now := time.Now().UTC()
	s, err := tr.Summarize(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.TotalRequests != 3 {
		t.Errorf("total_requests = %d, want 3", s.TotalRequests)
	}
	if math.Abs(s.TotalCost-7.5) > 1e-9 {
		t.Errorf("total_cost = %v, want 7.5", s.TotalCost)
	}
	if math.Abs(s.CostByProvider["openai"]-7.5) > 1e-9 {
		t.Errorf("cost_by_provider = %v", s.CostByProvider)
	}
}

func TestBudgetStatusNoLimit(t *testing.T) {
	tr, _ := newTestTracker(t)

	status, err := tr.BudgetStatusFor(context.Background(), 1.0)
	if err != nil {
		t.Fatalf("BudgetStatusFor: %v", err)
	}
	if !status.Allowed {
		t.Error("unlimited budget should always allow")
	}
	if status.Limit != nil || status.Remaining != nil {
		t.Errorf("limit/remaining should be nil: %+v", status)
	}
	if status.Window != "monthly" {
		t.Errorf("window = %q, want monthly", status.Window)
	}
}

func TestEnforceBudgetBlocks(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()

	limit := 10.0
	if err := tr.SetSpendLimit(ctx, &limit, false); err != nil {
		t.Fatalf("SetSpendLimit: %v", err)
	}

	// 9.50 already spent this month.
	now := time.Now().UTC()
	_ = store.AppendUsage(ctx, &db.UsageRecord{
		RequestID: "spent", Provider: "openai", Model: "gpt-4o",
		Timestamp: now, TotalCost: 9.5, Currency: "USD", CreatedAt: now,
	})

	err := tr.EnforceBudget(ctx, 1.0)
	var exceeded *BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("EnforceBudget = %v, want BudgetExceededError", err)
	}
	if exceeded.Limit != 10.0 || math.Abs(exceeded.Spent-9.5) > 1e-9 {
		t.Errorf("error detail: %+v", exceeded)
	}

	// Within the remaining headroom the request passes.
	if err := tr.EnforceBudget(ctx, 0.25); err != nil {
		t.Errorf("EnforceBudget(0.25) = %v, want nil", err)
	}
}

func TestEnforceBudgetAlertOnly(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()

	limit := 10.0
	if err := tr.SetSpendLimit(ctx, &limit, true); err != nil {
		t.Fatalf("SetSpendLimit: %v", err)
	}
	now := time.Now().UTC()
	_ = store.AppendUsage(ctx, &db.UsageRecord{
		RequestID: "spent", Provider: "openai", Model: "gpt-4o",
		Timestamp: now, TotalCost: 9.5, Currency: "USD", CreatedAt: now,
	})

	if err := tr.EnforceBudget(ctx, 1.0); err != nil {
		t.Errorf("alert-only budget should not block, got %v", err)
	}

	status, err := tr.BudgetStatusFor(ctx, 1.0)
	if err != nil {
		t.Fatalf("BudgetStatusFor: %v", err)
	}
	if status.Allowed {
		t.Error("status.Allowed should still report false in alert-only mode")
	}
}

func TestBudgetIgnoresPreviousMonths(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()

	limit := 5.0
	if err := tr.SetSpendLimit(ctx, &limit, false); err != nil {
		t.Fatalf("SetSpendLimit: %v", err)
	}

	lastMonth := time.Now().UTC().AddDate(0, -1, 0)
	_ = store.AppendUsage(ctx, &db.UsageRecord{
		RequestID: "old", Provider: "openai", Model: "gpt-4o",
		Timestamp: lastMonth, TotalCost: 100, Currency: "USD", CreatedAt: lastMonth,
	})

	if err := tr.EnforceBudget(ctx, 1.0); err != nil {
		t.Errorf("previous month's spend counted against this month: %v", err)
	}
}
