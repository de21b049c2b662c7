package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// migration is a single schema step. Each dialect carries its own DDL.
type migration struct {
	Version     int
	Description string
	SQLite      string
	MySQL       string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: sessions, turns",
		SQLite: `
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			turn_count  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS turns (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq         INTEGER NOT NULL,
			turn_id     TEXT NOT NULL,
			status      TEXT NOT NULL,
			payload     TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			UNIQUE(session_id, seq)
		);
		`,
		MySQL: `
		CREATE TABLE IF NOT EXISTS sessions (
			id          VARCHAR(64) PRIMARY KEY,
			turn_count  INT NOT NULL DEFAULT 0,
			created_at  BIGINT NOT NULL,
			updated_at  BIGINT NOT NULL,
			INDEX idx_sessions_updated (updated_at)
		);

		CREATE TABLE IF NOT EXISTS turns (
			id          BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id  VARCHAR(64) NOT NULL,
			seq         INT NOT NULL,
			turn_id     VARCHAR(64) NOT NULL,
			status      VARCHAR(32) NOT NULL,
			payload     MEDIUMTEXT NOT NULL,
			created_at  BIGINT NOT NULL,
			UNIQUE KEY uq_turns_seq (session_id, seq)
		);
		`,
	},
	{
		Version:     2,
		Description: "v2: audit_log",
		SQLite: `
		CREATE TABLE IF NOT EXISTS audit_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT,
			turn_id     TEXT,
			tool        TEXT NOT NULL,
			arguments   TEXT,
			ok          INTEGER NOT NULL,
			error_kind  TEXT,
			detail      TEXT,
			status      INTEGER DEFAULT 0,
			attempts    INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at);
		`,
		MySQL: `
		CREATE TABLE IF NOT EXISTS audit_log (
			id          BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id  VARCHAR(64),
			turn_id     VARCHAR(64),
			tool        VARCHAR(128) NOT NULL,
			arguments   TEXT,
			ok          TINYINT NOT NULL,
			error_kind  VARCHAR(32),
			detail      TEXT,
			status      INT DEFAULT 0,
			attempts    INT DEFAULT 0,
			duration_ms BIGINT DEFAULT 0,
			created_at  BIGINT NOT NULL,
			INDEX idx_audit_time (created_at)
		);
		`,
	},
}

// RunMigrations applies all pending schema migrations for the dialect.
// It uses a schema_version table to track which migrations have been applied.
// Statements run one at a time since the MySQL driver rejects multi-statement
// strings by default.
func RunMigrations(ctx context.Context, db *sql.DB, dialect string, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  BIGINT
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description, "dialect", dialect)

		ddl := m.SQLite
		if dialect == dialectMySQL {
			ddl = m.MySQL
		}
		for _, stmt := range splitSQL(ddl) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				// Tolerate upgrades over a schema created by hand.
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
					logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
					continue
				}
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}

		if _, err := db.ExecContext(ctx,
			"REPLACE INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(sql string) []string {
	var result []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			result = append(result, s)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the applied schema version, 0 on a fresh database.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

func isMissingTable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "doesn't exist")
}
