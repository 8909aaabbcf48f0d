// Package postgres provides a PostgreSQL allocation journal.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/narvanalabs/mpi-allocator/internal/models"
	"github.com/narvanalabs/mpi-allocator/internal/store"
)

// schema creates the allocations table when it does not exist.
const schema = `
	CREATE TABLE IF NOT EXISTS allocations (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		allocator VARCHAR(255) NOT NULL,
		hosts TEXT[] NOT NULL DEFAULT '{}',
		accounting_id VARCHAR(255) NOT NULL DEFAULT '',
		owner VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		released_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_allocator ON allocations(allocator);
	CREATE INDEX IF NOT EXISTS idx_allocations_active ON allocations(allocator) WHERE released_at IS NULL;
`

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// queryable is satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements store.AllocationStore using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// NewPostgresStore connects, verifies the connection, and ensures the schema.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("connected to PostgreSQL database")
	return s, nil
}

// NewFromDB wraps an existing connection without migrating.
func NewFromDB(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the allocations table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// conn returns the queryable connection (transaction or database).
func (s *PostgresStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// WithTx executes fn within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.AllocationStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txStore := &PostgresStore{db: s.db, tx: tx, logger: s.logger}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Record inserts or replaces an allocation.
func (s *PostgresStore) Record(ctx context.Context, alloc *models.Allocation) error {
	query := `
		INSERT INTO allocations (id, name, allocator, hosts, accounting_id, owner, created_at, released_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			allocator = EXCLUDED.allocator,
			hosts = EXCLUDED.hosts,
			accounting_id = EXCLUDED.accounting_id,
			owner = EXCLUDED.owner,
			created_at = EXCLUDED.created_at,
			released_at = EXCLUDED.released_at`

	createdAt := alloc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	hosts := alloc.Hosts
	if hosts == nil {
		hosts = []string{}
	}

	_, err := s.conn().ExecContext(ctx, query,
		alloc.ID,
		alloc.Name,
		alloc.Allocator,
		pq.Array(hosts),
		alloc.AccountingID,
		alloc.Owner,
		createdAt,
		alloc.ReleasedAt,
	)
	if err != nil {
		return fmt.Errorf("recording allocation: %w", err)
	}
	return nil
}

// MarkReleased sets released_at on the first call only.
func (s *PostgresStore) MarkReleased(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE allocations
		SET released_at = COALESCE(released_at, $2)
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("marking allocation released: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}

// Get retrieves an allocation by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Allocation, error) {
	query := `
		SELECT id, name, allocator, hosts, accounting_id, owner, created_at, released_at
		FROM allocations
		WHERE id = $1`

	alloc, err := scanAllocation(s.conn().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting allocation: %w", err)
	}
	return alloc, nil
}

// List returns every allocation for allocator, newest first.
func (s *PostgresStore) List(ctx context.Context, allocator string) ([]*models.Allocation, error) {
	query := `
		SELECT id, name, allocator, hosts, accounting_id, owner, created_at, released_at
		FROM allocations
		WHERE allocator = $1
		ORDER BY created_at DESC, id`

	rows, err := s.conn().QueryContext(ctx, query, allocator)
	if err != nil {
		return nil, fmt.Errorf("querying allocations: %w", err)
	}
	defer rows.Close()

	return scanAllocations(rows)
}

// ListActive returns unreleased allocations for allocator, newest first.
func (s *PostgresStore) ListActive(ctx context.Context, allocator string) ([]*models.Allocation, error) {
	query := `
		SELECT id, name, allocator, hosts, accounting_id, owner, created_at, released_at
		FROM allocations
		WHERE allocator = $1 AND released_at IS NULL
		ORDER BY created_at DESC, id`

	rows, err := s.conn().QueryContext(ctx, query, allocator)
	if err != nil {
		return nil, fmt.Errorf("querying active allocations: %w", err)
	}
	defer rows.Close()

	return scanAllocations(rows)
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAllocation(row scanner) (*models.Allocation, error) {
	var (
		alloc      models.Allocation
		releasedAt sql.NullTime
	)
	err := row.Scan(
		&alloc.ID,
		&alloc.Name,
		&alloc.Allocator,
		pq.Array(&alloc.Hosts),
		&alloc.AccountingID,
		&alloc.Owner,
		&alloc.CreatedAt,
		&releasedAt,
	)
	if err != nil {
		return nil, err
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		alloc.ReleasedAt = &t
	}
	return &alloc, nil
}

func scanAllocations(rows *sql.Rows) ([]*models.Allocation, error) {
	var out []*models.Allocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning allocation: %w", err)
		}
		out = append(out, alloc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating allocations: %w", err)
	}
	return out, nil
}
