package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout matches datetime('now') so stored and generated values compare lexically.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?1",
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) ListTablesSQL() string {
	return "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
}

func (d *SQLiteDialect) IntegrityCheckSQL() string {
	return "PRAGMA quick_check"
}

func (d *SQLiteDialect) FilterCountExpr(condition string) string {
	return fmt.Sprintf("SUM(CASE WHEN %s THEN 1 ELSE 0 END)", condition)
}

func (d *SQLiteDialect) TimeParam(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _webhooks (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL,
    events         TEXT NOT NULL DEFAULT '',
    enabled        INTEGER NOT NULL DEFAULT 1,
    secret         TEXT DEFAULT '',
    headers        TEXT DEFAULT '{}',
    auth_type      TEXT NOT NULL DEFAULT 'none',
    auth_data      TEXT DEFAULT '{}',
    condition      TEXT DEFAULT '',
    success_count  INTEGER NOT NULL DEFAULT 0,
    failure_count  INTEGER NOT NULL DEFAULT 0,
    last_triggered TEXT,
    created_at     TEXT DEFAULT (datetime('now')),
    updated_at     TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_webhooks_enabled ON _webhooks(enabled);

CREATE TABLE IF NOT EXISTS _webhook_deliveries (
    id              TEXT PRIMARY KEY,
    webhook_id      TEXT NOT NULL REFERENCES _webhooks(id) ON DELETE CASCADE,
    event_type      TEXT NOT NULL,
    payload         TEXT NOT NULL DEFAULT '{}',
    response_code   INTEGER NOT NULL DEFAULT 0,
    response_body   TEXT DEFAULT '',
    delivery_status TEXT NOT NULL,
    error_message   TEXT DEFAULT '',
    attempted_at    TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON _webhook_deliveries(webhook_id, attempted_at DESC);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_attempted ON _webhook_deliveries(attempted_at);

CREATE TABLE IF NOT EXISTS _failed_operations (
    id             TEXT PRIMARY KEY,
    operation_type TEXT NOT NULL,
    payload        TEXT NOT NULL DEFAULT '{}',
    retry_count    INTEGER NOT NULL DEFAULT 0,
    max_retries    INTEGER NOT NULL DEFAULT 3,
    next_retry_at  TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'queued',
    last_error     TEXT DEFAULT '',
    resolved_at    TEXT,
    created_at     TEXT DEFAULT (datetime('now')),
    updated_at     TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_failed_operations_due ON _failed_operations(next_retry_at) WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS _database_health (
    id            TEXT PRIMARY KEY,
    size_mb       REAL,
    table_count   INTEGER NOT NULL DEFAULT 0,
    total_records INTEGER NOT NULL DEFAULT 0,
    log_records   INTEGER NOT NULL DEFAULT 0,
    integrity_ok  INTEGER NOT NULL DEFAULT 1,
    checks        TEXT DEFAULT '{}',
    created_at    TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_database_health_created ON _database_health(created_at DESC);

CREATE TABLE IF NOT EXISTS _system_errors (
    id         TEXT PRIMARY KEY,
    category   TEXT NOT NULL,
    code       TEXT NOT NULL,
    message    TEXT NOT NULL,
    stack      TEXT DEFAULT '',
    component  TEXT DEFAULT '',
    function   TEXT DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_system_errors_created ON _system_errors(created_at DESC);

CREATE TABLE IF NOT EXISTS log_entries (
    id         TEXT PRIMARY KEY,
    timestamp  TEXT NOT NULL,
    level      TEXT NOT NULL DEFAULT 'info',
    source     TEXT DEFAULT '',
    message    TEXT NOT NULL,
    metadata   TEXT DEFAULT '{}',
    created_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_log_entries_timestamp ON log_entries(timestamp DESC);
`

// Compile-time check
var _ Dialect = (*SQLiteDialect)(nil)
