// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists chat sessions with automatic schema creation and migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
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
		CREATE TABLE IF NOT EXISTS chat_sessions (
			chat_id TEXT NOT NULL,
			bot_id TEXT NOT NULL,
			session_token TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (chat_id, bot_id)
		);

		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			bot_id TEXT NOT NULL,
			session_token TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			num_turns INTEGER NOT NULL DEFAULT 0,
			tools_used TEXT NOT NULL DEFAULT '[]',
			injected INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,

			CHECK (outcome IN ('success', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_turns_chat
			ON turns(chat_id, bot_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "chat_sessions",
			column: "model",
			apply:  `ALTER TABLE chat_sessions ADD COLUMN model TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
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

// GetSession retrieves the session record of a chat.
// Returns ErrNotFound if the chat has none.
func (s *SQLiteStore) GetSession(ctx context.Context, chatID, botID string) (*ChatSession, error) {
	query := `
		SELECT chat_id, bot_id, session_token, working_dir, model, created_at, updated_at
		FROM chat_sessions
		WHERE chat_id = ? AND bot_id = ?
	`

	var sess ChatSession
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, chatID, botID).Scan(
		&sess.ChatID,
		&sess.BotID,
		&sess.Token,
		&sess.WorkingDir,
		&sess.Model,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &sess, nil
}

// SaveSession upserts the chat's engine session token.
func (s *SQLiteStore) SaveSession(ctx context.Context, chatID, botID, token string) error {
	if err := s.upsert(ctx, chatID, botID, "session_token", token); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	s.logger.Debug("saved session", "chat_id", chatID, "bot_id", botID)
	return nil
}

// ClearSessionToken blanks the token of an existing record.
func (s *SQLiteStore) ClearSessionToken(ctx context.Context, chatID, botID string) error {
	query := `UPDATE chat_sessions SET session_token = '', updated_at = ? WHERE chat_id = ? AND bot_id = ?`
	if _, err := s.db.ExecContext(ctx, query, s.timestamp(), chatID, botID); err != nil {
		return fmt.Errorf("clearing session token: %w", err)
	}
	return nil
}

// DeleteSession removes the chat's record and its turn history.
func (s *SQLiteStore) DeleteSession(ctx context.Context, chatID, botID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_id = ? AND bot_id = ?`, chatID, botID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE chat_id = ? AND bot_id = ?`, chatID, botID); err != nil {
		return fmt.Errorf("deleting turns: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted session", "chat_id", chatID, "bot_id", botID)
	return nil
}

// SetWorkingDir upserts the chat's working directory override.
func (s *SQLiteStore) SetWorkingDir(ctx context.Context, chatID, botID, dir string) error {
	if err := s.upsert(ctx, chatID, botID, "working_dir", dir); err != nil {
		return fmt.Errorf("setting working dir: %w", err)
	}
	return nil
}

// SetModel upserts the chat's model override.
func (s *SQLiteStore) SetModel(ctx context.Context, chatID, botID, model string) error {
	if err := s.upsert(ctx, chatID, botID, "model", model); err != nil {
		return fmt.Errorf("setting model: %w", err)
	}
	return nil
}

// upsert writes one column of a chat_sessions row, creating the row if needed.
// column is always a constant from this file.
func (s *SQLiteStore) upsert(ctx context.Context, chatID, botID, column, value string) error {
	now := s.timestamp()
	query := fmt.Sprintf(`
		INSERT INTO chat_sessions (chat_id, bot_id, %[1]s, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, bot_id) DO UPDATE SET %[1]s = excluded.%[1]s, updated_at = excluded.updated_at
	`, column)
	_, err := s.db.ExecContext(ctx, query, chatID, botID, value, now, now)
	return err
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}
