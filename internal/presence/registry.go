// Package presence tracks which users hold live connections.
package presence

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatcore/internal/metrics"
)

const DefaultGrace = 5 * time.Second

// Event is a user's presence transition.
type Event struct {
	UserID string
	Online bool
}

// Registry maps users to their live connection ids. A user goes offline only
// after the last connection has been gone for the grace period; a reconnect
// inside that window cancels the pending transition and emits nothing.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	grace   time.Duration
	emit    func(Event)
	metrics *metrics.Metrics
	log     *slog.Logger
}

type entry struct {
	conns map[string]struct{}
	// offline is the pending offline transition, nil while connected.
	offline *time.Timer
	gen     uint64
}

// NewRegistry returns a registry calling emit for every transition. emit runs
// with the registry lock held and must not block.
func NewRegistry(grace time.Duration, emit func(Event), m *metrics.Metrics, log *slog.Logger) *Registry {
	if emit == nil {
		emit = func(Event) {}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		grace:   grace,
		emit:    emit,
		metrics: m,
		log:     log.With("component", "presence"),
	}
}

// Connect registers connID for userID and reports whether the user just came
// online.
func (r *Registry) Connect(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		e = &entry{conns: make(map[string]struct{})}
		r.entries[userID] = e
		e.conns[connID] = struct{}{}
		r.metrics.SetUsersOnline(len(r.entries))
		r.emit(Event{UserID: userID, Online: true})
		return true
	}

	if e.offline != nil {
		e.offline.Stop()
		e.offline = nil
		e.gen++
		r.metrics.PresenceFlap()
		r.log.Debug("reconnect within grace window", "user_id", userID)
	}
	e.conns[connID] = struct{}{}
	return false
}

// Disconnect removes connID. When it was the user's last connection the
// offline transition is scheduled after the grace period.
func (r *Registry) Disconnect(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 || e.offline != nil {
		return
	}

	if r.grace <= 0 {
		r.goOffline(userID)
		return
	}

	e.gen++
	gen := e.gen
	e.offline = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cur, ok := r.entries[userID]
		if !ok || cur != e || cur.gen != gen || len(cur.conns) > 0 {
			return
		}
		r.goOffline(userID)
	})
}

func (r *Registry) goOffline(userID string) {
	delete(r.entries, userID)
	r.metrics.SetUsersOnline(len(r.entries))
	r.emit(Event{UserID: userID, Online: false})
}

// Online reports whether userID has a live connection or is inside the
// offline grace period.
func (r *Registry) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[userID]
	return ok
}

// Connections returns userID's live connection ids.
func (r *Registry) Connections(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OnlineUsers lists every user currently considered online, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close cancels pending offline timers without emitting events.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.offline != nil {
			e.offline.Stop()
			e.offline = nil
		}
	}
}
