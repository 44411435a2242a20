package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store names a usage persistence backend.
const (
	StoreNone     = "none"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Sink persists batches of ledger records.
type Sink interface {
	Write(ctx context.Context, records []Record) error
	Close() error
}

// NopSink discards every batch.
type NopSink struct{}

func (NopSink) Write(context.Context, []Record) error { return nil }
func (NopSink) Close() error { return nil }

// SQLSink appends records to the usage_records table.
type SQLSink struct {
	db      *sql.DB
	dialect string
}

// OpenSink opens the backend named by store. StoreNone yields a NopSink.
func OpenSink(ctx context.Context, store, dsn string) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(store)) {
	case "", StoreNone:
		return NopSink{}, nil
	case StoreSQLite, StorePostgres:
	default:
		return nil, fmt.Errorf("usage: unknown store %q", store)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("usage: %s store requires a dsn", store)
	}
	dialect := strings.ToLower(strings.TrimSpace(store))
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: open %s: %w", dialect, err)
	}
	if dialect == StoreSQLite {
		db.SetMaxOpenConns(1)
	}
	sink := NewSQLSink(db, dialect)
	if err := sink.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

// NewSQLSink wraps an open database. dialect selects the placeholder style.
func NewSQLSink(db *sql.DB, dialect string) *SQLSink {
	return &SQLSink{db: db, dialect: dialect}
}

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	request_id VARCHAR(255) NOT NULL,
	provider_id VARCHAR(255) NOT NULL,
	task_type VARCHAR(64) NOT NULL,
	tokens_estimate INTEGER NOT NULL,
	cost_estimate DOUBLE PRECISION NOT NULL,
	status VARCHAR(32) NOT NULL,
	recorded_at TIMESTAMP NOT NULL
)`

func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createUsageTable); err != nil {
		return fmt.Errorf("usage: create usage_records: %w", err)
	}
	return nil
}

func (s *SQLSink) insertStatement() string {
	placeholders := "?, ?, ?, ?, ?, ?, ?"
	if s.dialect == StorePostgres {
		placeholders = "$1, $2, $3, $4, $5, $6, $7"
	}
	return `INSERT INTO usage_records (
		request_id, provider_id, task_type, tokens_estimate, cost_estimate, status, recorded_at
	) VALUES (` + placeholders + `)`
}

// Write inserts records in a single transaction. Any failed insert rolls the
// whole batch back so the caller can retry it.
func (s *SQLSink) Write(ctx context.Context, records []Record) error {
	if s.db == nil || len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("usage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.insertStatement())
	if err != nil {
		return fmt.Errorf("usage: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		_, err = stmt.ExecContext(ctx,
			rec.RequestID,
			rec.ProviderID,
			string(rec.TaskType),
			rec.TokensEstimate,
			rec.CostEstimate,
			string(rec.Status),
			rec.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("usage: insert record %s: %w", rec.RequestID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("usage: commit: %w", err)
	}
	return nil
}

func (s *SQLSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
