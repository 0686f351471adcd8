// Package usage records per-user token usage and cost for model calls.
// Records are append-only and indexed by user and time for
// aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/steward/internal/config"
)

// Roles tag what a model call was for.
const (
	RoleChat   = "chat"   // an agent loop iteration
	RoleResume = "resume" // the single-shot resumption call
)

// Record is one model call's token usage and cost.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Model        string    `json:"model"`
	Role         string    `json:"role"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary holds aggregated totals.
type Summary struct {
	Records      int     `json:"records"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Store is an append-only usage ledger on the shared SQLite handle.
type Store struct {
	db      *sql.DB
	pricing map[string]config.PricingEntry
}

// NewStore creates the usage table if needed. pricing prices records
// whose cost is not set; models missing from it are free.
func NewStore(db *sql.DB, pricing map[string]config.PricingEntry) (*Store, error) {
	s := &Store{db: db, pricing: pricing}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT '',
		task_id       TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL,
		role          TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, timestamp);
	`)
	return err
}

// Record persists rec, filling in ID, Timestamp and CostUSD when unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.UserID == "" {
		return fmt.Errorf("record usage: missing user")
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, s.pricing)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, timestamp, user_id, session_id, task_id, model, role, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, formatTime(rec.Timestamp), rec.UserID, rec.SessionID, rec.TaskID,
		rec.Model, rec.Role, rec.InputTokens, rec.OutputTokens, rec.CostUSD)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns the user's totals for records within [start, end).
func (s *Store) Summary(userID string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?`,
		userID, formatTime(start), formatTime(end))

	var sum Summary
	if err := row.Scan(&sum.Records, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns the user's per-model totals within [start, end).
func (s *Store) SummaryByModel(userID string, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", userID, start, end)
}

// SummaryByRole returns the user's per-role totals within [start, end).
func (s *Store) SummaryByRole(userID string, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("role", userID, start, end)
}

// summaryGroupedBy aggregates by column, which is always one of the
// literal names passed by this package.
func (s *Store) summaryGroupedBy(column, userID string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(`
		SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?
		GROUP BY %s`, column, column)

	rows, err := s.db.Query(query, userID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var (
			key string
			sum Summary
		)
		if err := rows.Scan(&key, &sum.Records, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		out[key] = &sum
	}
	return out, rows.Err()
}

// formatTime renders t so that string comparison in SQLite orders
// chronologically.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// ComputeCost prices a call from the pricing table. Models not in the
// table (local models) cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000.0*entry.InputPerMillion +
		float64(outputTokens)/1_000_000.0*entry.OutputPerMillion
}
