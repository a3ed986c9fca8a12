// Package usage persists the token accounting of every planner call in
// SQLite so cost and prompt-cache effectiveness can be reported over
// arbitrary windows.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one planner call.
type Record struct {
	ID        string
	Timestamp time.Time
	RequestID string
	Model     string
	// Kind is "text" or "audio".
	Kind string
	// Attempt numbers repeated calls within one request, starting at 1.
	Attempt      int
	InputTokens  int
	OutputTokens int
	// CachedTokens is the share of InputTokens served from the
	// provider's prompt cache.
	CachedTokens int
	FinishReason string
	Latency      time.Duration
}

// Summary aggregates the records of a window.
type Summary struct {
	TotalRecords      int     `json:"total_records"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCachedTokens int64   `json:"total_cached_tokens"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
}

// CacheHitRate returns cached input tokens as a percentage of all
// input tokens.
func (s *Summary) CacheHitRate() float64 {
	if s.TotalInputTokens == 0 {
		return 0
	}
	return float64(s.TotalCachedTokens) / float64(s.TotalInputTokens) * 100
}

// Dimension is a column a Breakdown groups by.
type Dimension string

const (
	ByModel Dimension = "model"
	ByKind  Dimension = "kind"
)

// Store is the SQLite-backed record log. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS planner_calls (
	id             TEXT PRIMARY KEY,
	ts_ms          INTEGER NOT NULL,
	request_id     TEXT NOT NULL,
	model          TEXT NOT NULL,
	kind           TEXT NOT NULL,
	attempt        INTEGER NOT NULL DEFAULT 1,
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	cached_tokens  INTEGER NOT NULL DEFAULT 0,
	finish_reason  TEXT NOT NULL DEFAULT '',
	latency_ms     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS planner_calls_ts ON planner_calls(ts_ms);
CREATE INDEX IF NOT EXISTS planner_calls_request ON planner_calls(request_id);
`

// NewStore opens (creating if needed) the database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends rec. A missing ID becomes a UUIDv7, a zero Timestamp
// becomes now and a zero Attempt becomes 1.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Attempt = max(rec.Attempt, 1)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO planner_calls (id, ts_ms, request_id, model, kind, attempt,
			input_tokens, output_tokens, cached_tokens, finish_reason, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.RequestID, rec.Model, rec.Kind, rec.Attempt,
		rec.InputTokens, rec.OutputTokens, rec.CachedTokens, rec.FinishReason, rec.Latency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert planner call %s: %w", rec.RequestID, err)
	}
	return nil
}

const aggregates = `COUNT(*),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(cached_tokens), 0),
	COALESCE(AVG(latency_ms), 0)`

func scanSummary(row interface{ Scan(...any) error }, extra ...any) (*Summary, error) {
	var sum Summary
	dest := append(extra, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCachedTokens, &sum.AvgLatencyMS)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &sum, nil
}

// Summary aggregates the records in [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+aggregates+` FROM planner_calls WHERE ts_ms >= ? AND ts_ms < ?`,
		start.UnixMilli(), end.UnixMilli())
	sum, err := scanSummary(row)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	return sum, nil
}

// Breakdown aggregates the records in [start, end) per value of dim.
func (s *Store) Breakdown(ctx context.Context, dim Dimension, start, end time.Time) (map[string]*Summary, error) {
	if dim != ByModel && dim != ByKind {
		return nil, fmt.Errorf("unknown usage dimension %q", dim)
	}
	col := string(dim)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+col+`, `+aggregates+` FROM planner_calls
		 WHERE ts_ms >= ? AND ts_ms < ? GROUP BY `+col,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("usage by %s: %w", col, err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var key string
		sum, err := scanSummary(rows, &key)
		if err != nil {
			return nil, fmt.Errorf("usage by %s: %w", col, err)
		}
		out[key] = sum
	}
	return out, rows.Err()
}

// Prune deletes records older than before and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM planner_calls WHERE ts_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return res.RowsAffected()
}
