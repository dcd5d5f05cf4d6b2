package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sage-x-project/brontide/pkg/storage"
)

// RecordHandshake inserts a handshake-completed audit row.
func (s *Store) RecordHandshake(ctx context.Context, sessionID string, at time.Time) error {
	return s.record(ctx, sessionID, "handshake", at)
}

// RecordRekey inserts a re-key audit row.
func (s *Store) RecordRekey(ctx context.Context, sessionID string, at time.Time) error {
	return s.record(ctx, sessionID, "rekey", at)
}

func (s *Store) record(ctx context.Context, sessionID, kind string, at time.Time) error {
	const query = `INSERT INTO audit_events (session_id, kind, occurred_at) VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, query, sessionID, kind, at); err != nil {
		return fmt.Errorf("postgres: record %s event: %w", kind, err)
	}
	return nil
}

// List returns the most recent audit rows for sessionID, newest first.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]storage.AuditEvent, error) {
	const query = `
		SELECT session_id, kind, occurred_at
		FROM audit_events
		WHERE session_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit events: %w", err)
	}
	defer rows.Close()

	var events []storage.AuditEvent
	for rows.Next() {
		var e storage.AuditEvent
		if err := rows.Scan(&e.SessionID, &e.Kind, &e.At); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate audit events: %w", err)
	}
	return events, nil
}
