// Package sqlite persists the daily heavy-call counter and the call-record
// audit trail in a local SQLite database (pure Go driver, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/tierrouter"
)

const schema = `
CREATE TABLE IF NOT EXISTS daily_quota (
    date        TEXT PRIMARY KEY,
    heavy_calls INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS call_records (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id        TEXT    NOT NULL,
    tier          INTEGER NOT NULL,
    provider_kind INTEGER NOT NULL,
    provider_name TEXT    NOT NULL,
    tokens_in     INTEGER NOT NULL,
    tokens_out    INTEGER NOT NULL,
    latency_ns    INTEGER NOT NULL DEFAULT 0,
    fallback      INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_records_run ON call_records(run_id, id);
`

// Store is a SQLite-backed DailyStore and RecordSink.
type Store struct {
	db *sql.DB
}

var (
	_ tierrouter.DailyStore = (*Store)(nil)
	_ tierrouter.RecordSink = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("tierrouter/sqlite: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tierrouter/sqlite: open: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("tierrouter/sqlite: set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tierrouter/sqlite: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the persisted count for date, or zero.
func (s *Store) Load(ctx context.Context, date string) (int64, error) {
	var calls int64
	err := s.db.QueryRowContext(ctx, `SELECT heavy_calls FROM daily_quota WHERE date = ?`, date).Scan(&calls)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tierrouter/sqlite: load daily: %w", err)
	}
	return calls, nil
}

// Save stores the count for date. The stored value never decreases.
func (s *Store) Save(ctx context.Context, date string, calls int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_quota (date, heavy_calls) VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET heavy_calls = MAX(heavy_calls, excluded.heavy_calls)`,
		date, calls)
	if err != nil {
		return fmt.Errorf("tierrouter/sqlite: save daily: %w", err)
	}
	return nil
}

// Append stores one call record.
func (s *Store) Append(ctx context.Context, runID string, rec tierrouter.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (run_id, tier, provider_kind, provider_name, tokens_in, tokens_out, latency_ns, fallback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, int(rec.Tier), int(rec.Provider.Kind), rec.Provider.Name,
		rec.TokensIn, rec.TokensOut, int64(rec.Latency), rec.Fallback, rec.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("tierrouter/sqlite: append record: %w", err)
	}
	return nil
}

// Records returns the persisted records of a run, in append order.
func (s *Store) Records(ctx context.Context, runID string) ([]tierrouter.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, provider_kind, provider_name, tokens_in, tokens_out, latency_ns, fallback, created_at
		FROM call_records WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("tierrouter/sqlite: query records: %w", err)
	}
	defer rows.Close()

	var out []tierrouter.CallRecord
	for rows.Next() {
		var (
			tier, kind int
			name       string
			in, outTok int64
			latency    int64
			fallback   bool
			ts         int64
		)
		if err := rows.Scan(&tier, &kind, &name, &in, &outTok, &latency, &fallback, &ts); err != nil {
			return nil, fmt.Errorf("tierrouter/sqlite: scan record: %w", err)
		}
		out = append(out, tierrouter.CallRecord{
			Tier:      tierrouter.Tier(tier),
			Provider:  tierrouter.ProviderKind{Kind: tierrouter.Kind(kind), Name: name},
			TokensIn:  in,
			TokensOut: outTok,
			Latency:   time.Duration(latency),
			Fallback:  fallback,
			Timestamp: time.Unix(0, ts).UTC(),
		})
	}
	return out, rows.Err()
}
