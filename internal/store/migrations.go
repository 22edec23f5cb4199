package store

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

const schema = `
-- Server-wide encryption key (exactly one row)
CREATE TABLE IF NOT EXISTS server_key (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    encryption_key BLOB    NOT NULL,
    created_at     INTEGER NOT NULL
);

-- Encrypted tenant credentials, keyed by their one-way hash
CREATE TABLE IF NOT EXISTS api_keys (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    api_key_hash      TEXT    NOT NULL UNIQUE,
    encrypted_api_key BLOB    NOT NULL,
    nonce             BLOB    NOT NULL,
    created_at        INTEGER NOT NULL,
    last_used_at      INTEGER NOT NULL
);

-- Automation rules (trigger, conditions and action stored as JSON)
CREATE TABLE IF NOT EXISTS automation_rules (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    api_key_hash   TEXT    NOT NULL,
    name           TEXT    NOT NULL,
    enabled        INTEGER NOT NULL DEFAULT 1,
    trigger_config TEXT    NOT NULL,
    conditions     TEXT    NOT NULL,
    action_config  TEXT    NOT NULL,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

-- Rule run history. Later columns are added by the additive migrations below.
CREATE TABLE IF NOT EXISTS rule_execution_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id         INTEGER NOT NULL,
    rule_name       TEXT    NOT NULL,
    api_key_hash    TEXT    NOT NULL,
    execution_type  TEXT    NOT NULL,
    items_processed INTEGER NOT NULL DEFAULT 0,
    total_items     INTEGER NOT NULL DEFAULT 0,
    success         INTEGER NOT NULL DEFAULT 0,
    error_message   TEXT,
    executed_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_api_key ON automation_rules(api_key_hash);
CREATE INDEX IF NOT EXISTS idx_rules_enabled ON automation_rules(enabled);
CREATE INDEX IF NOT EXISTS idx_log_rule ON rule_execution_log(rule_id);
CREATE INDEX IF NOT EXISTS idx_log_api_key ON rule_execution_log(api_key_hash);
CREATE INDEX IF NOT EXISTS idx_log_executed_at ON rule_execution_log(executed_at);
`

// columnMigration adds one nullable (or defaulted) column to an existing table.
type columnMigration struct {
	version int
	table   string
	column  string
	ddl     string
}

// migrations only ever add columns; they never rewrite or drop data.
var migrations = []columnMigration{
	{1, "rule_execution_log", "processed_items", "ALTER TABLE rule_execution_log ADD COLUMN processed_items TEXT"},
	{2, "rule_execution_log", "partial", "ALTER TABLE rule_execution_log ADD COLUMN partial INTEGER NOT NULL DEFAULT 0"},
	{3, "rule_execution_log", "run_id", "ALTER TABLE rule_execution_log ADD COLUMN run_id TEXT"},
}

// migrate runs inside the startup write transaction, so concurrent starts
// against the same file serialise on SQLite's write lock.
func migrate(tx *sqlx.Tx, now int64) error {
	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	var current int
	if err := tx.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		exists, err := columnExists(tx, m.table, m.column)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := tx.Exec(m.ddl); err != nil {
				return fmt.Errorf("migration %d (%s.%s): %w", m.version, m.table, m.column, err)
			}
			slog.Info("applied schema migration", "version", m.version, "table", m.table, "column", m.column)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`, m.version, now); err != nil {
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
	}
	return nil
}

func columnExists(tx *sqlx.Tx, table, column string) (bool, error) {
	var n int
	err := tx.Get(&n, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column)
	if err != nil {
		return false, fmt.Errorf("inspecting %s columns: %w", table, err)
	}
	return n > 0, nil
}
