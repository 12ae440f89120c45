package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/models"
)

// InMemoryStore keeps encoded sessions in a map. Entries expire lazily on read and on Sweep.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	inbound  map[string]DedupRecord
	now      func() time.Time
}

type memoryEntry struct {
	raw       []byte
	expiresAt time.Time
}

// Compile-time checks.
var (
	_ SessionStore = (*InMemoryStore)(nil)
	_ DedupRepo    = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]memoryEntry),
		inbound:  make(map[string]DedupRecord),
		now:      time.Now,
	}
}

// Put stores a copy of the session.
func (s *InMemoryStore) Put(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	raw, err := encodeSession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = memoryEntry{raw: raw, expiresAt: s.now().Add(ttl)}
	return nil
}

// Get returns a copy of the session, or nil if absent or expired.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	if ok && !s.now().Before(entry.expiresAt) {
		delete(s.sessions, id)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeSession(entry.raw)
}

// Delete removes the session.
func (s *InMemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	delete(s.sessions, id)
	return s.now().Before(entry.expiresAt), nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, entry := range s.sessions {
		if !now.Before(entry.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	cutoff := now.Add(-DefaultDedupRetention)
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.inbound, id)
		}
	}
	if removed > 0 {
		slog.Debug("InMemoryStore.Sweep: expired sessions removed", "count", removed)
	}
	return removed
}

// Len returns the number of stored sessions, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RecordInbound implements DedupRepo.
func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbound[messageID]; seen {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: s.now()}
	return true, nil
}

// MarkProcessed implements DedupRepo.
func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		now := s.now()
		rec.ProcessedAt = &now
		s.inbound[messageID] = rec
	}
	return nil
}

// Close implements SessionStore.
func (s *InMemoryStore) Close() error {
	return nil
}
