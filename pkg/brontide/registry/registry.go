// Package registry holds one brontide Session per live peer connection,
// keyed by an opaque connection/context id supplied by the surrounding
// transport. It generalizes the teacher's handshake.Server pending-state
// map (pendingState, TTL, cleanup ticker) from "A2A handshake phases" to
// "BIP151 Session lifecycle".
package registry

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sage-x-project/brontide/internal/logger"
	"github.com/sage-x-project/brontide/internal/metrics"
	"github.com/sage-x-project/brontide/pkg/brontide/session"
)

// entry pairs a live Session with the last time it was touched, so the
// cleanup loop can evict connections whose peer vanished mid-handshake.
type entry struct {
	sess     *session.Session
	lastSeen time.Time
}

// Registry is a concurrency-safe connection-id -> Session map with
// idle-eviction, modeled on the teacher's Server.pending/peers maps plus
// cleanupLoop.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	group    singleflight.Group
	idleTTL  time.Duration
	cleanup  *time.Ticker
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   logger.Logger
}

// Option configures a new Registry.
type Option func(*Registry)

// WithIdleTTL overrides the default 15-minute idle eviction window.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTTL = d
		}
	}
}

// WithCleanupInterval overrides the default 10-minute sweep cadence.
func WithCleanupInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cleanup = time.NewTicker(d)
		}
	}
}

// WithLogger overrides the package default logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Registry and starts its background cleanup loop. Call
// Close to stop it.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		idleTTL:  15 * time.Minute,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cleanup == nil {
		r.cleanup = time.NewTicker(10 * time.Minute)
	}

	go r.cleanupLoop()
	return r
}

// GetOrCreate returns the Session registered under connID, creating one
// with session.New(opts...) if none exists yet.
// Concurrent callers racing on the same connID are deduplicated through
// singleflight so only one Session is ever constructed per connection.
func (r *Registry) GetOrCreate(connID string, opts ...session.Option) (*session.Session, error) {
	r.mu.Lock()
	if e, ok := r.sessions[connID]; ok {
		e.lastSeen = time.Now()
		r.mu.Unlock()
		return e.sess, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(connID, func() (interface{}, error) {
		r.mu.Lock()
		if e, ok := r.sessions[connID]; ok {
			r.mu.Unlock()
			return e.sess, nil
		}
		r.mu.Unlock()

		sess, err := session.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("registry: create session for %q: %w", connID, err)
		}

		r.mu.Lock()
		r.sessions[connID] = &entry{sess: sess, lastSeen: time.Now()}
		r.mu.Unlock()

		r.logger.Info("session registered", logger.String("connection_id", connID), logger.String("session_id", sess.ID()))
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

// Get returns the Session registered under connID, if any, and touches
// its last-seen time.
func (r *Registry) Get(connID string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[connID]
	if !ok {
		return nil, false
	}
	e.lastSeen = time.Now()
	return e.sess, true
}

// Remove destroys and evicts the Session registered under connID, if
// any. Safe to call even if connID is unknown.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	e, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
	}
	r.mu.Unlock()

	if ok {
		e.sess.Destroy()
		r.logger.Info("session evicted", logger.String("connection_id", connID))
	}
}

// Len returns the number of live connections currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops the cleanup loop and destroys every remaining Session.
func (r *Registry) Close() {
	close(r.stopCh)
	<-r.doneCh

	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, e := range r.sessions {
		e.sess.Destroy()
		delete(r.sessions, connID)
	}
}

func (r *Registry) cleanupLoop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.cleanup.C:
			r.evictIdle(time.Now())
		case <-r.stopCh:
			r.cleanup.Stop()
			return
		}
	}
}

func (r *Registry) evictIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for connID, e := range r.sessions {
		if now.Sub(e.lastSeen) > r.idleTTL {
			e.sess.Destroy()
			delete(r.sessions, connID)
			metrics.SessionsExpired.Inc()
			r.logger.Debug("idle session evicted", logger.String("connection_id", connID))
		}
	}
}
