// Package store provides session storage backends for ChatFlow.
//
// Every backend stores a whole session record under its id with a TTL and offers the
// put/get/delete contract the flow engine relies on. Backends: in-memory, SQLite, PostgreSQL
// and Redis.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/models"
)

// SessionStore is the persistence contract of the flow engine.
type SessionStore interface {
	// Put creates or fully overwrites the session, expiring it after ttl.
	Put(ctx context.Context, s *models.Session, ttl time.Duration) error
	// Get returns the session, or nil and no error when it is absent or expired.
	Get(ctx context.Context, id string) (*models.Session, error)
	// Delete removes the session and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Close releases the backend's resources.
	Close() error
}

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypeRedis    = "redis"
)

// DefaultKeyPrefix namespaces Redis keys.
const DefaultKeyPrefix = "chatflow:"

// Opts holds configuration options for the store backends.
type Opts struct {
	DSN       string // SQLite path, postgres:// URL, or redis:// URL
	KeyPrefix string // Redis key prefix
}

// Option defines a configuration option for the store backends.
type Option func(*Opts)

// WithDSN sets the connection string; the backend is chosen by DetectDSNType.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets a SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithRedisURL sets a Redis URL (redis:// or rediss://).
func WithRedisURL(url string) Option {
	return WithDSN(url)
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) {
		o.KeyPrefix = prefix
	}
}

// DetectDSNType classifies a DSN as postgres, redis or sqlite.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return DSNTypePostgres
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"), strings.HasPrefix(lower, "unix://"):
		return DSNTypeRedis
	default:
		return DSNTypeSQLite
	}
}

// Backend is a SessionStore that also de-duplicates inbound channel messages.
type Backend interface {
	SessionStore
	DedupRepo
}

// Open builds the backend selected by the DSN. An empty DSN yields an in-memory store.
func Open(ctx context.Context, opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("Store.Open: no DSN configured, using in-memory session store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypePostgres:
		slog.Info("Store.Open: using PostgreSQL session store")
		return NewPostgresStore(ctx, opts...)
	case DSNTypeRedis:
		slog.Info("Store.Open: using Redis session store")
		return NewRedisStore(ctx, opts...)
	default:
		slog.Info("Store.Open: using SQLite session store", "path", cfg.DSN)
		return NewSQLiteStore(ctx, opts...)
	}
}

func encodeSession(s *models.Session) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	return raw, nil
}

func decodeSession(raw []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	return &s, nil
}
