// Package store provides storage backends for ChatFlow.
//
// This file implements a PostgreSQL-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatFlow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore stores sessions in a PostgreSQL table.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time checks.
var (
	_ SessionStore = (*PostgresStore)(nil)
	_ DedupRepo    = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(ctx context.Context, opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	if _, err := db.ExecContext(ctx, postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, now: time.Now}, nil
}

// Put upserts the session row.
func (s *PostgresStore) Put(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	raw, err := encodeSession(sess)
	if err != nil {
		return err
	}
	expires := s.now().Add(ttl).UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, flow_name, current_step, record, created_at, updated_at, expires_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			flow_name = EXCLUDED.flow_name,
			current_step = EXCLUDED.current_step,
			record = EXCLUDED.record,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at_ms = EXCLUDED.expires_at_ms`,
		sess.ID, sess.FlowName, sess.CurrentStep, string(raw), sess.CreatedAt, sess.UpdatedAt, expires)
	if err != nil {
		slog.Error("PostgresStore Put failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore Put succeeded", "session_id", sess.ID, "step", sess.CurrentStep)
	return nil
}

// Get loads a live session.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM chat_sessions WHERE id = $1 AND expires_at_ms > $2`,
		id, s.now().UnixMilli()).Scan(&raw)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore Get not found", "session_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore Get failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return decodeSession(raw)
}

// Delete removes the session and reports whether a live one existed.
func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	var expires int64
	err := s.db.QueryRowContext(ctx, `DELETE FROM chat_sessions WHERE id = $1 RETURNING expires_at_ms`, id).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("PostgresStore Delete failed", "error", err, "session_id", id)
		return false, fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	live := expires > s.now().UnixMilli()
	slog.Debug("PostgresStore Delete succeeded", "session_id", id, "existed", live)
	return live, nil
}

// PurgeExpired deletes expired sessions and old dedup records.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE expires_at_ms <= $1`, s.now().UnixMilli())
	if err != nil {
		slog.Error("PostgresStore PurgeExpired failed", "error", err)
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < $1`, s.now().Add(-DefaultDedupRetention)); err != nil {
		slog.Warn("PostgresStore PurgeExpired failed to prune dedup records", "error", err)
	}
	return n, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
