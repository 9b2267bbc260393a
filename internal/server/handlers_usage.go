package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ekailabs/ekai-gateway-sub002/internal/catalog"
	"github.com/ekailabs/ekai-gateway-sub002/internal/db"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/adapter"
	"github.com/ekailabs/ekai-gateway-sub002/internal/metrics"
)

// writeJSON renders a 200 JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// usageWindow parses the from/to query parameters (RFC 3339). The default
// window is the current calendar month in UTC.
func usageWindow(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, validationFailed("invalid from: " + err.Error())
		}
		from = t.UTC()
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, validationFailed("invalid to: " + err.Error())
		}
		to = t.UTC()
	}
	return from, to, nil
}

// handleUsage serves the aggregated usage summary for a window.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, to, err := usageWindow(r)
	if err != nil {
		s.writeError(w, adapter.FormatOpenAI, err)
		return
	}
	summary, err := s.tracker.Summarize(r.Context(), from, to)
	if err != nil {
		s.writeError(w, adapter.FormatOpenAI, err)
		return
	}
	s.writeJSON(w, summary)
}

// handleUsageHourly serves the hourly breakdown for the last 24 hours.
func (s *Server) handleUsageHourly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	points, err := s.tracker.Hourly(r.Context())
	if err != nil {
		s.writeError(w, adapter.FormatOpenAI, err)
		return
	}
	if points == nil {
		points = []*db.HourlyPoint{}
	}
	s.writeJSON(w, map[string]any{"hours": points})
}

// handleUsageRecords lists raw usage records, newest first. Pagination
// defaults to 100 records, capped at 500.
func (s *Server) handleUsageRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, to, err := usageWindow(r)
	if err != nil {
		s.writeError(w, adapter.FormatOpenAI, err)
		return
	}

	limit := parseIntParam(r, "limit", 100)
	if limit > 500 {
		limit = 500
	}
	records, err := s.tracker.Records(r.Context(), db.UsageQuery{
		From:   from,
		To:     to,
		Limit:  limit,
		Offset: parseIntParam(r, "offset", 0),
	})
	if err != nil {
		s.writeError(w, adapter.FormatOpenAI, err)
		return
	}
	if records == nil {
		records = []*db.UsageRecord{}
	}
	s.writeJSON(w, map[string]any{"records": records})
}

// budgetUpdate is the PUT /budget body.
type budgetUpdate struct {
	AmountUSD *float64 `json:"amount_usd"`
	AlertOnly bool     `json:"alert_only"`
}

// handleBudget serves the budget status and accepts limit updates.
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status, err := s.tracker.BudgetStatusFor(r.Context(), 0)
		if err != nil {
			s.writeError(w, adapter.FormatOpenAI, err)
			return
		}
		metrics.BudgetSpentUSD.Set(status.Spent)
		if status.Limit != nil {
			metrics.BudgetLimitUSD.Set(*status.Limit)
		} else {
			metrics.BudgetLimitUSD.Set(0)
		}
		s.writeJSON(w, status)

	case http.MethodPut:
		var update budgetUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeError(w, adapter.FormatOpenAI, validationFailed("invalid budget body: "+err.Error()))
			return
		}
		if update.AmountUSD != nil && *update.AmountUSD < 0 {
			s.writeError(w, adapter.FormatOpenAI, validationFailed("amount_usd must be non-negative"))
			return
		}
		if err := s.tracker.SetSpendLimit(r.Context(), update.AmountUSD, update.AlertOnly); err != nil {
			s.writeError(w, adapter.FormatOpenAI, err)
			return
		}
		status, err := s.tracker.BudgetStatusFor(r.Context(), 0)
		if err != nil {
			s.writeError(w, adapter.FormatOpenAI, err)
			return
		}
		s.writeJSON(w, status)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleModels serves the aggregated model catalog.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	page, err := s.models.List(catalog.Filter{
		Provider: q.Get("provider"),
		Endpoint: q.Get("endpoint"),
		Search:   q.Get("search"),
		Limit:    parseIntParam(r, "limit", 0),
		Offset:   parseIntParam(r, "offset", 0),
	})
	if err != nil {
		s.writeError(w, adapter.FormatOpenAI, err)
		return
	}
	if page.Items == nil {
		page.Items = []catalog.Entry{}
	}
	s.writeJSON(w, page)
}

// handlePricing serves pricing search over the catalog.
func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	results, err := s.pricing.Search(r.URL.Query().Get("search"))
	if err != nil {
		s.writeError(w, adapter.FormatOpenAI, err)
		return
	}
	s.writeJSON(w, map[string]any{"results": results})
}
