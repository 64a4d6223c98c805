package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createSchema = `
	CREATE TABLE IF NOT EXISTS ring_snapshots (
		version      BIGINT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		reason       TEXT NOT NULL,
		node         TEXT NOT NULL,
		ring         TEXT NOT NULL,
		members      INTEGER NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)
`

// PostgresJournal implements RingJournal for PostgreSQL
type PostgresJournal struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresJournal connects, pings and ensures the table exists.
func NewPostgresJournal(ctx context.Context, connString string, logger *zap.Logger) (*PostgresJournal, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create ring_snapshots table: %w", err)
	}

	return &PostgresJournal{pool: pool, logger: logger}, nil
}

// Record appends a snapshot
func (j *PostgresJournal) Record(ctx context.Context, snap Snapshot) error {
	query := `
		INSERT INTO ring_snapshots (version, operation_id, reason, node, ring, members, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err := j.pool.Exec(ctx, query,
		snap.Version,
		snap.OperationID,
		string(snap.Reason),
		snap.Node,
		snap.Ring,
		snap.Members,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record ring snapshot %d: %w", snap.Version, err)
	}
	return nil
}

// Latest returns the highest version
func (j *PostgresJournal) Latest(ctx context.Context) (*Snapshot, error) {
	query := `
		SELECT version, operation_id, reason, node, ring, members, created_at
		FROM ring_snapshots
		ORDER BY version DESC
		LIMIT 1
	`

	snap, err := scanSnapshot(j.pool.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest ring snapshot: %w", err)
	}
	return snap, nil
}

// History returns up to limit snapshots, newest first
func (j *PostgresJournal) History(ctx context.Context, limit int) ([]Snapshot, error) {
	query := `
		SELECT version, operation_id, reason, node, ring, members, created_at
		FROM ring_snapshots
		ORDER BY version DESC
		LIMIT $1
	`

	rows, err := j.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ring snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ring snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// Close closes the pool
func (j *PostgresJournal) Close() {
	j.pool.Close()
}

func scanSnapshot(row pgx.Row) (*Snapshot, error) {
	var snap Snapshot
	var reason string
	err := row.Scan(
		&snap.Version,
		&snap.OperationID,
		&reason,
		&snap.Node,
		&snap.Ring,
		&snap.Members,
		&snap.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	snap.Reason = Reason(reason)
	return &snap, nil
}
