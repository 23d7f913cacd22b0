package terminal

import (
	"fmt"
	"log/slog"
	"sync"
)

// SessionKey derives the registry key for a project/session pairing:
// the server-issued session id when one exists, otherwise a stable
// per-project placeholder.
func SessionKey(sessionID, projectName string) string {
	if sessionID != "" {
		return sessionID
	}
	return "project-" + projectName
}

// Record pairs a terminal's rendering handle with its companion socket.
type Record struct {
	Key    string
	Term   *Scrollback
	Client *Client

	mu                       sync.Mutex
	attached                 bool
	pendingCols, pendingRows int
}

// Attached reports whether the record is currently mounted somewhere.
func (r *Record) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attached
}

// Resize announces new dimensions for a mounted terminal. While detached
// the dimensions are held back and announced on the next Acquire, so the
// socket only ever hears about the geometry of a visible terminal.
func (r *Record) Resize(cols, rows int) {
	r.mu.Lock()
	if !r.attached {
		r.pendingCols, r.pendingRows = cols, rows
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.Client.Resize(cols, rows)
}

// Factory builds the terminal and socket for a new key.
type Factory func(key string) (*Record, error)

// Registry is the process-wide arena of live terminal sessions. A terminal
// acquired here outlives any single view: Release stores it, Acquire hands
// the same handles back, and only Evict actually destroys anything. Callers
// always go through this API; the map is never reached into directly.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Record
	factory  Factory
	log      *slog.Logger
}

// NewRegistry creates a registry using factory for first-time keys.
func NewRegistry(factory Factory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Record),
		factory:  factory,
		log:      log,
	}
}

// Acquire returns the record for key, creating it on first use. isNew tells
// the caller whether it got a fresh terminal or is reattaching to a stored
// one (and should re-announce dimensions, which may have changed).
func (g *Registry) Acquire(key string) (*Record, bool, error) {
	g.mu.Lock()
	if rec, ok := g.sessions[key]; ok {
		g.mu.Unlock()
		rec.mu.Lock()
		rec.attached = true
		cols, rows := rec.pendingCols, rec.pendingRows
		rec.pendingCols, rec.pendingRows = 0, 0
		rec.mu.Unlock()
		// Dimensions that changed while the terminal was hidden are
		// announced now; Resize is a no-op if they match the last ones.
		if cols > 0 && rows > 0 {
			rec.Client.Resize(cols, rows)
		}
		return rec, false, nil
	}
	g.mu.Unlock()

	rec, err := g.factory(key)
	if err != nil {
		return nil, false, fmt.Errorf("create terminal session %s: %w", key, err)
	}
	rec.Key = key

	g.mu.Lock()
	if existing, ok := g.sessions[key]; ok {
		// Lost a race with a concurrent Acquire; keep the first.
		g.mu.Unlock()
		rec.Client.Close()
		rec.Term.Dispose()
		return existing, false, nil
	}
	g.sessions[key] = rec
	g.mu.Unlock()

	rec.mu.Lock()
	rec.attached = true
	rec.mu.Unlock()
	g.log.Debug("terminal session created", "key", key)
	return rec, true, nil
}

// Release marks the record detached. The terminal and socket stay alive so
// the next Acquire restores scrollback and connection without a reconnect.
func (g *Registry) Release(key string) {
	g.mu.Lock()
	rec, ok := g.sessions[key]
	g.mu.Unlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.attached = false
	rec.mu.Unlock()
}

// Evict destroys the record: the socket is closed and the terminal
// disposed. Called on session-identity change or project switch.
func (g *Registry) Evict(key string) {
	g.mu.Lock()
	rec, ok := g.sessions[key]
	delete(g.sessions, key)
	g.mu.Unlock()
	if !ok {
		return
	}
	rec.Client.Close()
	rec.Term.Dispose()
	g.log.Debug("terminal session evicted", "key", key)
}

// EvictAll tears down every session, for client shutdown.
func (g *Registry) EvictAll() {
	g.mu.Lock()
	recs := make([]*Record, 0, len(g.sessions))
	for _, rec := range g.sessions {
		recs = append(recs, rec)
	}
	g.sessions = make(map[string]*Record)
	g.mu.Unlock()
	for _, rec := range recs {
		rec.Client.Close()
		rec.Term.Dispose()
	}
}

// Len reports how many sessions are registered.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
