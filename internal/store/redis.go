// Package store provides storage backends for ChatFlow.
//
// This file implements a Redis-backed session store: one string key per session, written
// with SET EX so expiry is handled by Redis itself.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore stores sessions as JSON strings under "<prefix>session:<id>".
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// Compile-time checks.
var (
	_ SessionStore = (*RedisStore)(nil)
	_ DedupRepo    = (*RedisStore)(nil)
)

// NewRedisStore connects to the Redis URL given by WithRedisURL.
func NewRedisStore(ctx context.Context, opts ...Option) (*RedisStore, error) {
	cfg := Opts{KeyPrefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "DSN_set", cfg.DSN != "", "prefix", cfg.KeyPrefix)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	ropts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		slog.Error("RedisStore invalid URL", "error", err)
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("RedisStore ping failed", "error", err, "addr", ropts.Addr)
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", ropts.Addr, err)
	}
	slog.Debug("RedisStore ping successful", "addr", ropts.Addr, "db", ropts.DB)
	s := NewRedisStoreWithClient(client, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps ownership of it.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Client exposes the underlying client, e.g. to share it with a RedisLocker.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) dedupKey(id string) string {
	return s.prefix + "inbound:" + id
}

// Put writes the session with SET EX.
func (s *RedisStore) Put(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	raw, err := encodeSession(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.sessionKey(sess.ID), raw, ttl).Err(); err != nil {
		slog.Error("RedisStore Put failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("RedisStore Put succeeded", "session_id", sess.ID, "step", sess.CurrentStep, "ttl", ttl)
	return nil
}

// Get reads the session; redis.Nil maps to absent.
func (s *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		slog.Debug("RedisStore Get not found", "session_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore Get failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return decodeSession(raw)
}

// Delete removes the session key.
func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.sessionKey(id)).Result()
	if err != nil {
		slog.Error("RedisStore Delete failed", "error", err, "session_id", id)
		return false, fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	slog.Debug("RedisStore Delete succeeded", "session_id", id, "existed", n > 0)
	return n > 0, nil
}

// RecordInbound uses SETNX so only the first delivery of a message id wins.
func (s *RedisStore) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.dedupKey(messageID), sender, DefaultDedupRetention).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

// MarkProcessed overwrites the dedup marker, keeping the retention window.
func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	if err := s.client.Set(ctx, s.dedupKey(messageID), "processed", DefaultDedupRetention).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the client if this store created it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
