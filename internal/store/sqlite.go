// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema creation, idempotent migrations, and shared scan helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-mesh/internal/fault"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// The store is the single writer; serializing connections avoids
	// SQLITE_BUSY under concurrent facade calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			path       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS project_links (
			project_a  TEXT NOT NULL REFERENCES projects(id),
			project_b  TEXT NOT NULL REFERENCES projects(id),
			link_type  TEXT NOT NULL,
			enabled    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,

			PRIMARY KEY (project_a, project_b),
			CHECK (link_type IN ('bidirectional', 'a_to_b', 'b_to_a'))
		);

		CREATE TABLE IF NOT EXISTS agents (
			name            TEXT NOT NULL,
			project_id      TEXT,
			description     TEXT NOT NULL DEFAULT '',
			discoverability TEXT NOT NULL DEFAULT 'public',
			dm_policy       TEXT NOT NULL DEFAULT 'open',
			dm_whitelist    TEXT NOT NULL DEFAULT '[]',
			dm_blocklist    TEXT NOT NULL DEFAULT '[]',
			never_default   INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (discoverability IN ('public', 'project', 'private')),
			CHECK (dm_policy IN ('open', 'restricted', 'closed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_key
			ON agents(name, COALESCE(project_id, ''));

		CREATE TABLE IF NOT EXISTS channels (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL DEFAULT 'regular',
			access      TEXT NOT NULL,
			scope       TEXT NOT NULL,
			project_id  TEXT,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_default  INTEGER NOT NULL DEFAULT 0,
			is_archived INTEGER NOT NULL DEFAULT 0,
			owner_name  TEXT,
			owner_project_id TEXT,
			created_at  TEXT NOT NULL,

			CHECK (kind IN ('regular', 'direct')),
			CHECK (access IN ('open', 'members', 'private')),
			CHECK (scope IN ('global', 'project', 'direct')),
			CHECK (kind <> 'direct' OR access = 'private')
		);

		CREATE INDEX IF NOT EXISTS idx_channels_scope ON channels(scope, project_id);
		CREATE INDEX IF NOT EXISTS idx_channels_default ON channels(is_default) WHERE is_default = 1;

		CREATE TABLE IF NOT EXISTS channel_members (
			channel_id       TEXT NOT NULL REFERENCES channels(id),
			agent_name       TEXT NOT NULL,
			agent_project_id TEXT,
			invited_by       TEXT NOT NULL DEFAULT 'self',
			source           TEXT NOT NULL DEFAULT 'manual',
			can_send         INTEGER NOT NULL DEFAULT 1,
			can_invite       INTEGER NOT NULL DEFAULT 0,
			can_leave        INTEGER NOT NULL DEFAULT 1,
			can_manage       INTEGER NOT NULL DEFAULT 0,
			from_default     INTEGER NOT NULL DEFAULT 0,
			opted_out        INTEGER NOT NULL DEFAULT 0,
			joined_at        TEXT NOT NULL,

			CHECK (source IN ('manual', 'frontmatter', 'default', 'system', 'invitation'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_members_key
			ON channel_members(channel_id, agent_name, COALESCE(agent_project_id, ''));
		CREATE INDEX IF NOT EXISTS idx_members_agent
			ON channel_members(agent_name, COALESCE(agent_project_id, ''));

		CREATE TABLE IF NOT EXISTS messages (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id        TEXT NOT NULL REFERENCES channels(id),
			sender_name       TEXT NOT NULL,
			sender_project_id TEXT,
			content           TEXT NOT NULL,
			timestamp         REAL NOT NULL,
			confidence        REAL,
			metadata          TEXT,
			tags              TEXT,
			session_id        TEXT,
			thread_id         TEXT,

			CHECK (confidence IS NULL OR (confidence >= 0.0 AND confidence <= 1.0))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_channel_time
			ON messages(channel_id, timestamp, id);
		CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_sender
			ON messages(sender_name, COALESCE(sender_project_id, ''));
		CREATE INDEX IF NOT EXISTS idx_messages_thread
			ON messages(thread_id) WHERE thread_id IS NOT NULL;

		CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content,
			tags,
			content='messages',
			content_rowid='id'
		);

		CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, content, tags)
			VALUES (new.id, new.content, COALESCE(new.tags, ''));
		END;

		CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content, tags)
			VALUES ('delete', old.id, old.content, COALESCE(old.tags, ''));
		END;

		CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content, tags)
			VALUES ('delete', old.id, old.content, COALESCE(old.tags, ''));
			INSERT INTO messages_fts(rowid, content, tags)
			VALUES (new.id, new.content, COALESCE(new.tags, ''));
		END;

		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			project_id   TEXT,
			project_path TEXT,
			transport    TEXT NOT NULL DEFAULT '',
			scope        TEXT NOT NULL DEFAULT 'global',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Migration: legacy subscriptions table. Fold its rows into
	// channel_members with source='self' semantics, then drop it.
	var hasSubscriptions int
	err := s.db.QueryRow(
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'subscriptions'`,
	).Scan(&hasSubscriptions)
	if err == nil {
		if _, err := s.db.Exec(`
			INSERT OR IGNORE INTO channel_members
				(channel_id, agent_name, agent_project_id, invited_by, source, joined_at)
			SELECT channel_id, agent_name, agent_project_id, 'self', 'manual',
				COALESCE(created_at, datetime('now'))
			FROM subscriptions
		`); err != nil {
			return fmt.Errorf("migrating subscriptions table: %w", err)
		}
		if _, err := s.db.Exec(`DROP TABLE subscriptions`); err != nil {
			return fmt.Errorf("dropping subscriptions table: %w", err)
		}
		s.logger.Info("applied migration", "table", "subscriptions", "action", "folded into channel_members")
	}

	// Migration: message timestamps stored as ISO text in older layouts.
	// Rewrite in place to REAL Unix seconds.
	res, err := s.db.Exec(`
		UPDATE messages
		SET timestamp = unixepoch(timestamp, 'subsec')
		WHERE typeof(timestamp) = 'text'
	`)
	if err != nil {
		return fmt.Errorf("rewriting text timestamps: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("applied migration", "table", "messages", "column", "timestamp", "rows", n)
	}

	// Column additions probe pragma_table_info first; SQLite has no
	// ADD COLUMN IF NOT EXISTS.
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "session_id",
			apply:  `ALTER TABLE messages ADD COLUMN session_id TEXT`,
		},
		{
			table:  "messages",
			column: "thread_id",
			apply:  `ALTER TABLE messages ADD COLUMN thread_id TEXT`,
		},
		{
			table:  "agents",
			column: "never_default",
			apply:  `ALTER TABLE agents ADD COLUMN never_default INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table), m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Integrity runs the SQLite integrity check and returns its verdict.
func (s *SQLiteStore) Integrity(ctx context.Context) (string, error) {
	var verdict string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&verdict); err != nil {
		return "", fmt.Errorf("running integrity check: %w", err)
	}
	return verdict, nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// strOrEmpty unwraps a nullable text column.
func strOrEmpty(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

// boolInt converts a capability or flag bit for binding.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// formatTime renders audit timestamps the way every table stores them.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime is the lenient inverse of formatTime.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// marshalStrings renders a string slice as its JSON array column form.
// nil and empty both store as "[]".
func marshalStrings(vals []string) string {
	if len(vals) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalStrings parses a JSON array column, tolerating NULL.
func unmarshalStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(raw.String), &vals); err != nil {
		return nil
	}
	if len(vals) == 0 {
		return nil
	}
	return vals
}

// checkCtx surfaces context cancellation as a Cancelled fault before a
// store call starts work.
func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.Cancelled, err, "operation cancelled")
	}
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
