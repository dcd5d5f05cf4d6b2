// Package storage defines the optional audit sink a Session's audit hook
// (pkg/brontide/session.WithAuditHook) can persist handshake and re-key
// events to. The hook runs synchronously, including from Pack when its
// automatic re-key fires.
package storage

import (
	"context"
	"time"
)

// AuditEvent is a persisted record of a handshake-completed or re-key
// occurrence, one row per Session.AuditEvent emitted.
type AuditEvent struct {
	SessionID string
	Kind      string // "handshake" or "rekey"
	At        time.Time
}

// AuditStore persists AuditEvents. Implementations must be safe to call
// from a hot Pack/Feed path's best-effort hook: prefer buffering/async
// dispatch over blocking writes where possible.
type AuditStore interface {
	// RecordHandshake persists a handshake-completed event.
	RecordHandshake(ctx context.Context, sessionID string, at time.Time) error
	// RecordRekey persists a re-key event.
	RecordRekey(ctx context.Context, sessionID string, at time.Time) error
	// List returns the most recent events for sessionID, newest first.
	List(ctx context.Context, sessionID string, limit int) ([]AuditEvent, error)
	// Close releases the store's resources.
	Close() error
}
