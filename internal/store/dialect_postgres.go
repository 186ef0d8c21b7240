package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) ListTablesSQL() string {
	return `SELECT table_name AS name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name`
}

// PostgreSQL has no cheap equivalent of SQLite's quick_check.
func (d *PostgresDialect) IntegrityCheckSQL() string { return "" }

func (d *PostgresDialect) FilterCountExpr(condition string) string {
	return fmt.Sprintf("COUNT(*) FILTER (WHERE %s)", condition)
}

func (d *PostgresDialect) TimeParam(t time.Time) any {
	return t.UTC()
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	errStr := err.Error()
	if strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- PostgreSQL DDL ---

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _webhooks (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name           TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL,
    events         TEXT NOT NULL DEFAULT '',
    enabled        BOOLEAN NOT NULL DEFAULT true,
    secret         TEXT DEFAULT '',
    headers        JSONB DEFAULT '{}',
    auth_type      TEXT NOT NULL DEFAULT 'none',
    auth_data      JSONB DEFAULT '{}',
    condition      TEXT DEFAULT '',
    success_count  BIGINT NOT NULL DEFAULT 0,
    failure_count  BIGINT NOT NULL DEFAULT 0,
    last_triggered TIMESTAMPTZ,
    created_at     TIMESTAMPTZ DEFAULT NOW(),
    updated_at     TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhooks_enabled ON _webhooks(enabled);

CREATE TABLE IF NOT EXISTS _webhook_deliveries (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    webhook_id      UUID NOT NULL REFERENCES _webhooks(id) ON DELETE CASCADE,
    event_type      TEXT NOT NULL,
    payload         JSONB NOT NULL DEFAULT '{}',
    response_code   INT NOT NULL DEFAULT 0,
    response_body   TEXT DEFAULT '',
    delivery_status TEXT NOT NULL,
    error_message   TEXT DEFAULT '',
    attempted_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON _webhook_deliveries(webhook_id, attempted_at DESC);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_attempted ON _webhook_deliveries(attempted_at);

CREATE TABLE IF NOT EXISTS _failed_operations (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    operation_type TEXT NOT NULL,
    payload        JSONB NOT NULL DEFAULT '{}',
    retry_count    INT NOT NULL DEFAULT 0,
    max_retries    INT NOT NULL DEFAULT 3,
    next_retry_at  TIMESTAMPTZ NOT NULL,
    status         TEXT NOT NULL DEFAULT 'queued',
    last_error     TEXT DEFAULT '',
    resolved_at    TIMESTAMPTZ,
    created_at     TIMESTAMPTZ DEFAULT NOW(),
    updated_at     TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_failed_operations_due ON _failed_operations(next_retry_at) WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS _database_health (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    size_mb       DOUBLE PRECISION,
    table_count   INT NOT NULL DEFAULT 0,
    total_records BIGINT NOT NULL DEFAULT 0,
    log_records   BIGINT NOT NULL DEFAULT 0,
    integrity_ok  BOOLEAN NOT NULL DEFAULT true,
    checks        JSONB DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_database_health_created ON _database_health(created_at DESC);

CREATE TABLE IF NOT EXISTS _system_errors (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    category   TEXT NOT NULL,
    code       TEXT NOT NULL,
    message    TEXT NOT NULL,
    stack      TEXT DEFAULT '',
    component  TEXT DEFAULT '',
    function   TEXT DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_system_errors_created ON _system_errors(created_at DESC);

CREATE TABLE IF NOT EXISTS log_entries (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    timestamp  TIMESTAMPTZ NOT NULL,
    level      TEXT NOT NULL DEFAULT 'info',
    source     TEXT DEFAULT '',
    message    TEXT NOT NULL,
    metadata   JSONB DEFAULT '{}',
    created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_log_entries_timestamp ON log_entries(timestamp DESC);
`

// Compile-time check
var _ Dialect = (*PostgresDialect)(nil)
