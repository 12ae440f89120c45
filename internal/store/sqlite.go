// Package store provides storage backends for ChatFlow.
//
// This file implements an SQLite-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatFlow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore stores sessions in a single SQLite table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time checks.
var (
	_ SessionStore = (*SQLiteStore)(nil)
	_ DedupRepo    = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(ctx context.Context, opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if path := sqlitePath(dsn); path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("SQLite database directory verified/created", "dir", dir)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// sqlitePath strips the file: scheme and query parameters from a DSN.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// Put creates or replaces the session row.
func (s *SQLiteStore) Put(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	raw, err := encodeSession(sess)
	if err != nil {
		return err
	}
	expires := s.now().Add(ttl).UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chat_sessions (id, flow_name, current_step, record, created_at, updated_at, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.FlowName, sess.CurrentStep, string(raw), sess.CreatedAt, sess.UpdatedAt, expires)
	if err != nil {
		slog.Error("SQLiteStore Put failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore Put succeeded", "session_id", sess.ID, "step", sess.CurrentStep)
	return nil
}

// Get loads the session, treating expired rows as absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var raw string
	var expires int64
	err := s.db.QueryRowContext(ctx, `SELECT record, expires_at_ms FROM chat_sessions WHERE id = ?`, id).Scan(&raw, &expires)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore Get not found", "session_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore Get failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if expires <= s.now().UnixMilli() {
		slog.Debug("SQLiteStore Get expired", "session_id", id)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ? AND expires_at_ms = ?`, id, expires); err != nil {
			slog.Warn("SQLiteStore Get failed to prune expired session", "error", err, "session_id", id)
		}
		return nil, nil
	}
	return decodeSession([]byte(raw))
}

// Delete removes the session and reports whether a live one existed.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ? AND expires_at_ms > ?`, id, s.now().UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore Delete failed", "error", err, "session_id", id)
		return false, fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		// an expired row may still be present
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("failed to delete session %s: %w", id, err)
		}
	}
	slog.Debug("SQLiteStore Delete succeeded", "session_id", id, "existed", n > 0)
	return n > 0, nil
}

// PurgeExpired deletes expired sessions and old dedup records.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE expires_at_ms <= ?`, s.now().UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore PurgeExpired failed", "error", err)
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, s.now().Add(-DefaultDedupRetention)); err != nil {
		slog.Warn("SQLiteStore PurgeExpired failed to prune dedup records", "error", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
