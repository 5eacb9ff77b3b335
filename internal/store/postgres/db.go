// Package postgres provides PostgreSQL-based implementations of the store interfaces.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"argus-logs/internal/config"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, cfg *config.PostgresConfig) (*DB, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.SSLMode,
		cfg.MaxOpenConns,
	)
	return Open(ctx, connString, cfg.MaxOpenConns, cfg.MaxIdleConns)
}

// Open creates a pool from a connection string.
func Open(ctx context.Context, connString string, maxConns, minConns int32) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	if minConns > 0 {
		poolConfig.MinConns = minConns
	}
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// RunMigrations creates the required database tables.
func (db *DB) RunMigrations(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS log_records (
			id VARCHAR(128) PRIMARY KEY,
			ts TIMESTAMP WITH TIME ZONE NOT NULL,
			level VARCHAR(10) NOT NULL,
			severity SMALLINT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			host TEXT NOT NULL DEFAULT '',
			application TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL DEFAULT '',
			logger TEXT NOT NULL DEFAULT '',
			thread TEXT NOT NULL DEFAULT '',
			stack_trace TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			tags JSONB NOT NULL DEFAULT '{}',
			http_method VARCHAR(16) NOT NULL DEFAULT '',
			http_url TEXT NOT NULL DEFAULT '',
			http_status INTEGER NOT NULL DEFAULT 0,
			response_time_ms BIGINT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_log_records_ts ON log_records(ts DESC, id);
		CREATE INDEX IF NOT EXISTS idx_log_records_level ON log_records(level);
		CREATE INDEX IF NOT EXISTS idx_log_records_source ON log_records(source);
		CREATE INDEX IF NOT EXISTS idx_log_records_host ON log_records(host);
		CREATE INDEX IF NOT EXISTS idx_log_records_application ON log_records(application);
		CREATE INDEX IF NOT EXISTS idx_log_records_metadata ON log_records USING GIN (metadata);

		CREATE TABLE IF NOT EXISTS alerts (
			id VARCHAR(36) PRIMARY KEY,
			title TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			severity VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			rule_id VARCHAR(255) NOT NULL,
			triggered_by VARCHAR(255) NOT NULL,
			trigger_count INTEGER NOT NULL DEFAULT 1,
			first_occurrence TIMESTAMP WITH TIME ZONE NOT NULL,
			last_occurrence TIMESTAMP WITH TIME ZONE NOT NULL,
			acknowledged_by VARCHAR(255),
			acknowledged_at TIMESTAMP WITH TIME ZONE,
			resolved_by VARCHAR(255),
			resolved_at TIMESTAMP WITH TIME ZONE,
			resolution_notes TEXT,
			closed_by VARCHAR(255),
			closed_at TIMESTAMP WITH TIME ZONE,
			suppressed_by VARCHAR(255),
			suppressed_at TIMESTAMP WITH TIME ZONE,
			notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
			notification_attempts INTEGER NOT NULL DEFAULT 0,
			last_notification_attempt TIMESTAMP WITH TIME ZONE,
			escalation_count INTEGER NOT NULL DEFAULT 0,
			last_escalated_at TIMESTAMP WITH TIME ZONE,
			metadata JSONB NOT NULL DEFAULT '{}',
			tags JSONB NOT NULL DEFAULT '{}',
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_open_rule_source
			ON alerts(rule_id, triggered_by) WHERE status = 'OPEN';
		CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
		CREATE INDEX IF NOT EXISTS idx_alerts_rule_source ON alerts(rule_id, triggered_by, status);
		CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at DESC);
	`

	_, err := db.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Truncate removes every row from the tables. Used by tests.
func (db *DB) Truncate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, `TRUNCATE log_records, alerts`); err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}

// uniqueViolation is the SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// jsonMap returns a non-nil map so JSONB columns never receive NULL.
func jsonMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// nilIfEmpty maps an empty scanned JSONB object back to a nil map.
func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

// nullableString returns nil if the string is empty, otherwise returns a pointer to it.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
