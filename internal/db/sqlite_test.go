package db

import (
	"context"
	"math"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(id string, ts time.Time, cost float64, tokens int) *UsageRecord {
	return &UsageRecord{
		RequestID:    id,
		Provider:     "openai",
		Model:        "gpt-4o",
		Timestamp:    ts,
		InputTokens:  tokens / 2,
		OutputTokens: tokens / 2,
		TotalTokens:  tokens,
		InputCost:    cost / 2,
		OutputCost:   cost / 2,
		TotalCost:    cost,
		Currency:     "USD",
		CreatedAt:    ts,
	}
}

func TestAppendAndQueryUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		rec := sampleRecord(id, now.Add(time.Duration(i)*time.Minute), 0.5, 1000)
		if err := s.AppendUsage(ctx, rec); err != nil {
			t.Fatalf("AppendUsage(%s): %v", id, err)
		}
	}

	records, err := s.QueryUsage(ctx, UsageQuery{})
	if err != nil {
		t.Fatalf("QueryUsage: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	// Newest first.
	if records[0].RequestID != "r3" {
		t.Errorf("first record = %s, want r3", records[0].RequestID)
	}
	if records[0].Currency != "USD" || records[0].TotalTokens != 1000 {
		t.Errorf("record fields lost: %+v", records[0])
	}
}

func TestAppendUsageDuplicateRequestID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.AppendUsage(ctx, sampleRecord("dup", now, 0.1, 100)); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := s.AppendUsage(ctx, sampleRecord("dup", now, 0.1, 100)); err == nil {
		t.Fatal("duplicate request_id accepted; want primary-key violation")
	}
}

func TestUsageWindowIsHalfOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_ = s.AppendUsage(ctx, sampleRecord("before", base.Add(-time.Second), 1, 10))
	_ = s.AppendUsage(ctx, sampleRecord("start", base, 1, 10))
	_ = s.AppendUsage(ctx, sampleRecord("end", base.Add(time.Hour), 1, 10))

	n, err := s.TotalRequests(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("TotalRequests: %v", err)
	}
	if n != 1 {
		t.Errorf("requests in [start, start+1h) = %d, want 1 (boundary excluded)", n)
	}
}

func TestAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	records := []*UsageRecord{
		{RequestID: "a", Provider: "openai", Model: "gpt-4o", Timestamp: now, TotalTokens: 100, TotalCost: 1.5, Currency: "USD", CreatedAt: now},
		{RequestID: "b", Provider: "openai", Model: "gpt-4o-mini", Timestamp: now, TotalTokens: 200, TotalCost: 0.5, Currency: "USD", CreatedAt: now},
		{RequestID: "c", Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", Timestamp: now, TotalTokens: 300, TotalCost: 2.0, Currency: "USD", CreatedAt: now},
	}
	for _, r := range records {
		if err := s.AppendUsage(ctx, r); err != nil {
			t.Fatalf("AppendUsage: %v", err)
		}
	}

	from, to := now.Add(-time.Hour), now.Add(time.Hour)

	cost, err := s.TotalCost(ctx, from, to)
	if err != nil {
		t.Fatalf("TotalCost: %v", err)
	}
	if math.Abs(cost-4.0) > 1e-9 {
		t.Errorf("TotalCost = %v, want 4.0", cost)
	}

	tokens, err := s.TotalTokens(ctx, from, to)
	if err != nil {
		t.Fatalf("TotalTokens: %v", err)
	}
	if tokens != 600 {
		t.Errorf("TotalTokens = %d, want 600", tokens)
	}

	byProvider, err := s.CostByProvider(ctx, from, to)
	if err != nil {
		t.Fatalf("CostByProvider: %v", err)
	}
	if math.Abs(byProvider["openai"]-2.0) > 1e-9 || math.Abs(byProvider["anthropic"]-2.0) > 1e-9 {
		t.Errorf("CostByProvider = %v", byProvider)
	}

	byModel, err := s.CostByModel(ctx, from, to)
	if err != nil {
		t.Fatalf("CostByModel: %v", err)
	}
	if len(byModel) != 3 {
		t.Errorf("CostByModel has %d models, want 3", len(byModel))
	}
}

func TestHourlyUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

	_ = s.AppendUsage(ctx, sampleRecord("h1a", base.Add(5*time.Minute), 1.0, 100))
	_ = s.AppendUsage(ctx, sampleRecord("h1b", base.Add(30*time.Minute), 1.0, 100))
	_ = s.AppendUsage(ctx, sampleRecord("h2", base.Add(90*time.Minute), 2.0, 200))

	points, err := s.HourlyUsage(ctx, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("HourlyUsage: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d hourly points, want 2", len(points))
	}
	if points[0].Requests != 2 || points[0].TotalTokens != 200 {
		t.Errorf("hour 1: %+v", points[0])
	}
	if points[1].Requests != 1 || math.Abs(points[1].TotalCost-2.0) > 1e-9 {
		t.Errorf("hour 2: %+v", points[1])
	}
	if !points[0].Hour.Equal(base) {
		t.Errorf("hour 1 bucket = %v, want %v", points[0].Hour, base)
	}
}

func TestSpendLimitRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.GetSpendLimit(ctx)
	if err != nil {
		t.Fatalf("GetSpendLimit (unset): %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil before first set, got %+v", rec)
	}

	amount := 25.0
	if err := s.SetSpendLimit(ctx, &SpendLimitRecord{AmountUSD: &amount, AlertOnly: true}); err != nil {
		t.Fatalf("SetSpendLimit: %v", err)
	}

	rec, err = s.GetSpendLimit(ctx)
	if err != nil {
		t.Fatalf("GetSpendLimit: %v", err)
	}
	if rec.AmountUSD == nil || *rec.AmountUSD != 25.0 {
		t.Errorf("amount = %v, want 25.0", rec.AmountUSD)
	}
	if !rec.AlertOnly {
		t.Error("alert_only not persisted")
	}
	if rec.Window != "monthly" {
		t.Errorf("window = %q, want monthly", rec.Window)
	}

	// Null amount means unlimited.
	if err := s.SetSpendLimit(ctx, &SpendLimitRecord{AmountUSD: nil, AlertOnly: false}); err != nil {
		t.Fatalf("SetSpendLimit (null): %v", err)
	}
	rec, _ = s.GetSpendLimit(ctx)
	if rec.AmountUSD != nil {
		t.Errorf("amount = %v, want nil after clearing", rec.AmountUSD)
	}
	if rec.AlertOnly {
		t.Error("alert_only should be false after overwrite")
	}
}
