package reports

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps reports in the madkv_reports table, creating it on
// first use. The full report is stored as a JSON payload.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the reports table if missing.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reports database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS madkv_reports (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			outcome TEXT NOT NULL,
			started BIGINT NOT NULL,
			finished BIGINT NOT NULL,
			payload JSONB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create reports table: %w", err)
	}
	return nil
}

// Save inserts report in its own transaction.
func (s *PostgresStore) Save(ctx context.Context, report Report) error {
	if err := report.validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO madkv_reports (id, kind, outcome, started, finished, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, report.ID, string(report.Kind), report.Outcome, report.Started, report.Finished, payload)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}
	return nil
}

// List returns every report of kind, oldest first.
func (s *PostgresStore) List(ctx context.Context, kind Kind) ([]Report, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload
		FROM madkv_reports
		WHERE kind = $1
		ORDER BY started ASC
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		var report Report
		if err := json.Unmarshal(payload, &report); err != nil {
			return nil, fmt.Errorf("failed to decode report: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reports: %w", err)
	}
	return reports, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
