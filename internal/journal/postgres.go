package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/profilerxray/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresInsertSegment = `
INSERT INTO segments (
    trace_id,
    session_id,
    service_name,
    name,
    start_time,
    end_time,
    in_progress,
    has_error,
    has_fault,
    throttled,
    http_status,
    subsegment_count,
    document,
    created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14)
ON CONFLICT (trace_id) DO NOTHING`

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	store := &PostgresStore{DSN: dsn, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	row := normalizeRecord(record)
	if _, err := s.db.ExecContext(ctx, postgresInsertSegment, postgresArgs(row)...); err != nil {
		return fmt.Errorf("write segment %q: %w", row.TraceID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresInsertSegment)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if record == nil {
			continue
		}
		row := normalizeRecord(record)
		if _, err := stmt.ExecContext(ctx, postgresArgs(row)...); err != nil {
			return fmt.Errorf("insert segment %q: %w", row.TraceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

func postgresArgs(row *Record) []any {
	return []any{
		row.TraceID,
		row.SessionID,
		row.ServiceName,
		row.Name,
		row.StartTime,
		nullableFloat(row.EndTime),
		row.InProgress,
		row.Error,
		row.Fault,
		row.Throttle,
		row.HTTPStatus,
		row.SubsegmentCount,
		row.Document,
		row.CreatedAt,
	}
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}
	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
