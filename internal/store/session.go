package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/docsmith/chat-engine/internal/model"
	"github.com/docsmith/chat-engine/pkg/logger"
	"github.com/docsmith/chat-engine/pkg/metrics"
)

const (
	sessionKeyPrefix = "session."
	currentKey       = "current"

	// schemaVersion is bumped when the persisted record shape changes.
	// Records with an unknown version are dropped on read, not migrated.
	schemaVersion = 1
)

// ErrSessionNotFound is returned when a session id resolves to nothing.
var ErrSessionNotFound = errors.New("session not found")

// sessionRecord is the versioned envelope written to the KV medium.
type sessionRecord struct {
	SchemaVersion int           `json:"schema_version"`
	Session       model.Session `json:"session"`
}

// SessionStore persists sessions and the current-session pointer in a KV
// medium. It keeps a write-through cache so that a failing medium degrades
// to in-memory operation instead of losing the running conversation; the
// cache stays authoritative for the remainder of the process lifetime.
type SessionStore struct {
	kv  KV
	log *logger.Logger

	mu      sync.RWMutex
	cache   map[string]*model.Session
	deleted map[string]bool
	current string
	// currentCached is set once the pointer has been read or written, so
	// a failing medium does not reset the selection mid-process.
	currentCached bool
}

// NewSessionStore creates a store over the given KV medium.
func NewSessionStore(kv KV, log *logger.Logger) *SessionStore {
	return &SessionStore{
		kv:      kv,
		log:     log,
		cache:   make(map[string]*model.Session),
		deleted: make(map[string]bool),
	}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// ListSessions returns all sessions, most-recently-updated first. Corrupted
// or stale-schema records are skipped, never surfaced as errors.
func (s *SessionStore) ListSessions(ctx context.Context) []*model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]*model.Session)

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		s.log.Warn("failed to list store keys", zap.Error(err))
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, sessionKeyPrefix) {
			continue
		}
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		sess, ok := decodeSession(data)
		if !ok {
			s.log.Warn("dropping corrupted session record", zap.String("key", key))
			continue
		}
		byID[sess.ID] = sess
	}

	// The cache wins over the medium: it holds writes the medium may have
	// rejected, and it is what the running process has been mutating.
	for id, sess := range s.cache {
		byID[id] = sess
	}
	for id := range s.deleted {
		delete(byID, id)
	}

	sessions := make([]*model.Session, 0, len(byID))
	for _, sess := range byID {
		sessions = append(sessions, copySession(sess))
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions
}

// GetSession returns one session by id.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	if s.deleted[id] {
		s.mu.RUnlock()
		return nil, ErrSessionNotFound
	}
	if sess, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return copySession(sess), nil
	}
	s.mu.RUnlock()

	data, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		return nil, ErrSessionNotFound
	}
	sess, ok := decodeSession(data)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	s.cache[id] = sess
	s.mu.Unlock()

	return copySession(sess), nil
}

// SaveSession upserts a session by id. Updating UpdatedAt is the caller's
// responsibility. A write failure is recoverable: the in-memory copy is
// retained and the error reported to the caller.
func (s *SessionStore) SaveSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		return errors.New("session id is empty")
	}

	stored := copySession(sess)

	s.mu.Lock()
	s.cache[sess.ID] = stored
	delete(s.deleted, sess.ID)
	s.mu.Unlock()

	data, err := json.Marshal(sessionRecord{
		SchemaVersion: schemaVersion,
		Session:       *stored,
	})
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if err := s.kv.Put(ctx, sessionKey(sess.ID), data); err != nil {
		metrics.StoreWriteErrorsTotal.Inc()
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	return nil
}

// DeleteSession removes a session record. Re-electing the current pointer
// is the caller's job; the store only removes the record.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.cache, id)
	s.deleted[id] = true
	s.mu.Unlock()

	if err := s.kv.Delete(ctx, sessionKey(id)); err != nil && !errors.Is(err, ErrKeyNotFound) {
		metrics.StoreWriteErrorsTotal.Inc()
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// CurrentSessionID returns the persisted current-session pointer, or empty.
func (s *SessionStore) CurrentSessionID(ctx context.Context) string {
	s.mu.RLock()
	if s.currentCached {
		id := s.current
		s.mu.RUnlock()
		return id
	}
	s.mu.RUnlock()

	data, err := s.kv.Get(ctx, currentKey)
	id := ""
	if err == nil {
		id = string(data)
	}

	s.mu.Lock()
	s.current = id
	s.currentCached = true
	s.mu.Unlock()

	return id
}

// SetCurrentSessionID persists the pointer; empty clears it. Existence of
// the target session is not validated here.
func (s *SessionStore) SetCurrentSessionID(ctx context.Context, id string) error {
	s.mu.Lock()
	s.current = id
	s.currentCached = true
	s.mu.Unlock()

	if id == "" {
		if err := s.kv.Delete(ctx, currentKey); err != nil && !errors.Is(err, ErrKeyNotFound) {
			metrics.StoreWriteErrorsTotal.Inc()
			return fmt.Errorf("clear current session: %w", err)
		}
		return nil
	}
	if err := s.kv.Put(ctx, currentKey, []byte(id)); err != nil {
		metrics.StoreWriteErrorsTotal.Inc()
		return fmt.Errorf("persist current session: %w", err)
	}
	return nil
}

func decodeSession(data []byte) (*model.Session, bool) {
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	if rec.SchemaVersion != schemaVersion || rec.Session.ID == "" {
		return nil, false
	}
	sess := rec.Session
	return &sess, true
}

func copySession(sess *model.Session) *model.Session {
	out := *sess
	out.Messages = make([]model.Message, len(sess.Messages))
	copy(out.Messages, sess.Messages)
	return &out
}
