package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// schema defines the gateway's tables. Version is tracked in the
// schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS usage_records (
    request_id               TEXT PRIMARY KEY,
    provider                 TEXT NOT NULL,
    model                    TEXT NOT NULL,
    timestamp                DATETIME NOT NULL,
    input_tokens             INTEGER NOT NULL DEFAULT 0,
    cache_write_input_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens            INTEGER NOT NULL DEFAULT 0,
    total_tokens             INTEGER NOT NULL DEFAULT 0,
    input_cost               REAL NOT NULL DEFAULT 0.0,
    cache_write_cost         REAL NOT NULL DEFAULT 0.0,
    cache_read_cost          REAL NOT NULL DEFAULT 0.0,
    output_cost              REAL NOT NULL DEFAULT 0.0,
    total_cost               REAL NOT NULL DEFAULT 0.0,
    currency                 TEXT NOT NULL DEFAULT 'USD',
    payment_method           TEXT NOT NULL DEFAULT 'api_key',
    created_at               DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_usage_provider  ON usage_records(provider);
CREATE INDEX IF NOT EXISTS idx_usage_model     ON usage_records(model);

CREATE TABLE IF NOT EXISTS spend_limits (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    scope       TEXT NOT NULL DEFAULT 'global',
    amount_usd  REAL,
    alert_only  INTEGER NOT NULL DEFAULT 0,
    "window"    TEXT NOT NULL DEFAULT 'monthly',
    updated_at  DATETIME NOT NULL
);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Usage records ───────────────────────────────────────────────────────────

func (s *sqliteStore) AppendUsage(ctx context.Context, rec *UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO usage_records(
            request_id, provider, model, timestamp,
            input_tokens, cache_write_input_tokens, cache_read_input_tokens,
            output_tokens, total_tokens,
            input_cost, cache_write_cost, cache_read_cost, output_cost, total_cost,
            currency, payment_method, created_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.RequestID, rec.Provider, rec.Model, rec.Timestamp.UTC(),
		rec.InputTokens, rec.CacheWriteInputTokens, rec.CacheReadInputTokens,
		rec.OutputTokens, rec.TotalTokens,
		rec.InputCost, rec.CacheWriteCost, rec.CacheReadCost, rec.OutputCost, rec.TotalCost,
		rec.Currency, rec.PaymentMethod, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

const usageColumns = `request_id, provider, model, timestamp,
    input_tokens, cache_write_input_tokens, cache_read_input_tokens,
    output_tokens, total_tokens,
    input_cost, cache_write_cost, cache_read_cost, output_cost, total_cost,
    currency, payment_method, created_at`

func (s *sqliteStore) QueryUsage(ctx context.Context, q UsageQuery) ([]*UsageRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + usageColumns + ` FROM usage_records WHERE 1=1`
	args := []any{}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var result []*UsageRecord
	for rows.Next() {
		rec := &UsageRecord{}
		var ts, ca string
		if err := rows.Scan(
			&rec.RequestID, &rec.Provider, &rec.Model, &ts,
			&rec.InputTokens, &rec.CacheWriteInputTokens, &rec.CacheReadInputTokens,
			&rec.OutputTokens, &rec.TotalTokens,
			&rec.InputCost, &rec.CacheWriteCost, &rec.CacheReadCost, &rec.OutputCost, &rec.TotalCost,
			&rec.Currency, &rec.PaymentMethod, &ca,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.Timestamp, _ = parseTime(ts)
		rec.CreatedAt, _ = parseTime(ca)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// windowClause appends the half-open [from, to) window to a query.
func windowClause(query string, from, to time.Time, args []any) (string, []any) {
	if !from.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, to.UTC())
	}
	return query, args
}

func (s *sqliteStore) TotalCost(ctx context.Context, from, to time.Time) (float64, error) {
	query, args := windowClause(`SELECT COALESCE(SUM(total_cost), 0.0) FROM usage_records WHERE 1=1`, from, to, nil)
	var total float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total cost: %w", err)
	}
	return total, nil
}

func (s *sqliteStore) TotalTokens(ctx context.Context, from, to time.Time) (int64, error) {
	query, args := windowClause(`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE 1=1`, from, to, nil)
	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total tokens: %w", err)
	}
	return total, nil
}

func (s *sqliteStore) TotalRequests(ctx context.Context, from, to time.Time) (int64, error) {
	query, args := windowClause(`SELECT COUNT(*) FROM usage_records WHERE 1=1`, from, to, nil)
	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total requests: %w", err)
	}
	return total, nil
}

func (s *sqliteStore) CostByProvider(ctx context.Context, from, to time.Time) (map[string]float64, error) {
	return s.costGrouped(ctx, "provider", from, to)
}

func (s *sqliteStore) CostByModel(ctx context.Context, from, to time.Time) (map[string]float64, error) {
	return s.costGrouped(ctx, "model", from, to)
}

func (s *sqliteStore) costGrouped(ctx context.Context, column string, from, to time.Time) (map[string]float64, error) {
	query, args := windowClause(
		`SELECT `+column+`, COALESCE(SUM(total_cost), 0.0) FROM usage_records WHERE 1=1`,
		from, to, nil,
	)
	query += ` GROUP BY ` + column

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cost by %s: %w", column, err)
	}
	defer rows.Close()

	result := map[string]float64{}
	for rows.Next() {
		var key string
		var cost float64
		if err := rows.Scan(&key, &cost); err != nil {
			return nil, err
		}
		result[key] = cost
	}
	return result, rows.Err()
}

func (s *sqliteStore) HourlyUsage(ctx context.Context, from, to time.Time) ([]*HourlyPoint, error) {
	query, args := windowClause(`
        SELECT strftime('%Y-%m-%dT%H:00:00Z', timestamp), COUNT(*),
               COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost), 0.0)
        FROM usage_records WHERE 1=1`, from, to, nil)
	query += ` GROUP BY 1 ORDER BY 1 ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hourly usage: %w", err)
	}
	defer rows.Close()

	var result []*HourlyPoint
	for rows.Next() {
		p := &HourlyPoint{}
		var hour string
		if err := rows.Scan(&hour, &p.Requests, &p.TotalTokens, &p.TotalCost); err != nil {
			return nil, err
		}
		p.Hour, _ = parseTime(hour)
		result = append(result, p)
	}
	return result, rows.Err()
}

// ─── Spend limit ─────────────────────────────────────────────────────────────

func (s *sqliteStore) GetSpendLimit(ctx context.Context) (*SpendLimitRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT amount_usd, alert_only, "window", updated_at FROM spend_limits WHERE id = 1`)
	rec := &SpendLimitRecord{}
	var amount sql.NullFloat64
	var alertOnly int
	var ua string
	if err := row.Scan(&amount, &alertOnly, &rec.Window, &ua); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get spend limit: %w", err)
	}
	if amount.Valid {
		rec.AmountUSD = &amount.Float64
	}
	rec.AlertOnly = alertOnly != 0
	rec.UpdatedAt, _ = parseTime(ua)
	return rec, nil
}

func (s *sqliteStore) SetSpendLimit(ctx context.Context, rec *SpendLimitRecord) error {
	var amount any
	if rec.AmountUSD != nil {
		amount = *rec.AmountUSD
	}
	alertOnly := 0
	if rec.AlertOnly {
		alertOnly = 1
	}
	window := rec.Window
	if window == "" {
		window = "monthly"
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO spend_limits(id, scope, amount_usd, alert_only, "window", updated_at)
        VALUES(1, 'global', ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            amount_usd = excluded.amount_usd,
            alert_only = excluded.alert_only,
            "window"   = excluded."window",
            updated_at = excluded.updated_at
    `, amount, alertOnly, window, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("set spend limit: %w", err)
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
