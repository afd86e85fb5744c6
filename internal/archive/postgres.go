package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

// PostgresArchive stores records in one Postgres table.
type PostgresArchive struct {
	db    *sql.DB
	stmts statements
}

type statements struct {
	create string
	insert string
	get    string
	list   string
}

func buildStatements(table string) statements {
	t := pq.QuoteIdentifier(table)
	cols := "id, name, model_type, status, sse, codec, payload, created_at"
	return statements{
		create: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	model_type TEXT NOT NULL,
	status TEXT NOT NULL,
	sse DOUBLE PRECISION NOT NULL,
	codec TEXT NOT NULL,
	payload BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, t),
		insert: fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, t, cols),
		get:    fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, cols, t),
		list:   fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC, id`, cols, t),
	}
}

// OpenPostgresArchive connects to dsn and ensures the table exists.
func OpenPostgresArchive(ctx context.Context, dsn, table string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	a, err := NewPostgresArchive(ctx, db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewPostgresArchive wraps an open database handle.
func NewPostgresArchive(ctx context.Context, db *sql.DB, table string) (*PostgresArchive, error) {
	if table == "" {
		return nil, errors.New("archive table name is required")
	}
	a := &PostgresArchive{db: db, stmts: buildStatements(table)}
	if _, err := db.ExecContext(ctx, a.stmts.create); err != nil {
		return nil, fmt.Errorf("failed to create archive table: %w", err)
	}
	return a, nil
}

func (a *PostgresArchive) Put(ctx context.Context, rec *Record) error {
	_, err := a.db.ExecContext(ctx, a.stmts.insert,
		rec.ID, rec.Name, rec.ModelType, string(rec.Status), rec.SSE, rec.Codec, rec.Payload, rec.CreatedAt)
	if err != nil {
		return mapPQError(err, rec.ID)
	}
	return nil
}

func (a *PostgresArchive) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(a.db.QueryRowContext(ctx, a.stmts.get, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archive record %s: %w", id, err)
	}
	return rec, nil
}

func (a *PostgresArchive) List(ctx context.Context) ([]*Record, error) {
	rows, err := a.db.QueryContext(ctx, a.stmts.list)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (a *PostgresArchive) Close() error {
	return a.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec    Record
		status string
	)
	if err := s.Scan(&rec.ID, &rec.Name, &rec.ModelType, &status, &rec.SSE, &rec.Codec, &rec.Payload, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Status = models.FitStatus(status)
	return &rec, nil
}

// mapPQError turns a unique violation into ErrRecordExists.
func mapPQError(err error, id string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return fmt.Errorf("%w: %s", ErrRecordExists, id)
	}
	return fmt.Errorf("failed to archive record %s: %w", id, err)
}
