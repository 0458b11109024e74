package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteResultStore implements ResultStore on SQLite. The durable swap-in for
// the in-memory store; INSERT OR IGNORE provides first-writer-wins.
type SQLiteResultStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("settlement: open sqlite: %w", err)
	}
	return db, nil
}

// NewSQLiteResultStore creates a store over an open database.
func NewSQLiteResultStore(db *sql.DB) *SQLiteResultStore {
	return &SQLiteResultStore{db: db}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settlement_results (
	envelope_id TEXT PRIMARY KEY,
	outcome TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Init creates the results table.
func (s *SQLiteResultStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteResultStore) Get(ctx context.Context, envelopeID string) (*SettlementResult, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM settlement_results WHERE envelope_id = ?`, envelopeID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("settlement: sqlite select: %w", err)
	}
	var res SettlementResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, false, fmt.Errorf("settlement: decode stored result: %w", err)
	}
	return &res, true, nil
}

func (s *SQLiteResultStore) PutIfAbsent(ctx context.Context, res *SettlementResult) (*SettlementResult, bool, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, false, fmt.Errorf("settlement: encode result: %w", err)
	}
	out, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO settlement_results (envelope_id, outcome, payload, created_at) VALUES (?, ?, ?, ?)`,
		res.EnvelopeID, string(res.Outcome), payload, res.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, fmt.Errorf("settlement: sqlite insert: %w", err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("settlement: sqlite rows affected: %w", err)
	}
	if n == 1 {
		cp := *res
		return &cp, true, nil
	}
	stored, ok, err := s.Get(ctx, res.EnvelopeID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("settlement: lost race but no stored result for %s", res.EnvelopeID)
	}
	return stored, false, nil
}
