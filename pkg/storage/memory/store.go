// Package memory implements storage.AuditStore in-process, for tests and
// the CLI demo command where standing up PostgreSQL is unnecessary.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sage-x-project/brontide/pkg/storage"
)

// Store is a mutex-guarded, per-session slice of audit events.
type Store struct {
	mu     sync.Mutex
	events map[string][]storage.AuditEvent
}

// NewStore creates an empty in-memory audit store.
func NewStore() *Store {
	return &Store{events: make(map[string][]storage.AuditEvent)}
}

// RecordHandshake appends a handshake-completed event.
func (s *Store) RecordHandshake(_ context.Context, sessionID string, at time.Time) error {
	return s.record(sessionID, "handshake", at)
}

// RecordRekey appends a re-key event.
func (s *Store) RecordRekey(_ context.Context, sessionID string, at time.Time) error {
	return s.record(sessionID, "rekey", at)
}

func (s *Store) record(sessionID, kind string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[sessionID] = append(s.events[sessionID], storage.AuditEvent{
		SessionID: sessionID,
		Kind:      kind,
		At:        at,
	})
	return nil
}

// List returns the most recent events for sessionID, newest first.
func (s *Store) List(_ context.Context, sessionID string, limit int) ([]storage.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := append([]storage.AuditEvent{}, s.events[sessionID]...)
	sort.Slice(events, func(i, j int) bool { return events[i].At.After(events[j].At) })

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
