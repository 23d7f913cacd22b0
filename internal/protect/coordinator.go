// Package protect guards in-flight conversations against background data
// refreshes. A periodic project-list fetch must never replace the session
// record the user is actively talking to; this package tracks which session
// identifiers are live and decides whether a refreshed listing is safe to
// apply.
package protect

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/workspace/bridgeclient/internal/api"
)

// PendingPrefix marks client-generated placeholder identifiers used before
// the server assigns a real session id.
const PendingPrefix = "pending-"

// NewPendingID mints a placeholder identifier.
func NewPendingID() string {
	return PendingPrefix + uuid.NewString()
}

// Coordinator owns the active-session set. It reads listing data but never
// mutates it; its one decision is whether a refresh may proceed.
type Coordinator struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{active: make(map[string]struct{})}
}

// MarkActive records a session (or pending placeholder) as in flight.
func (c *Coordinator) MarkActive(sessionID string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	c.active[sessionID] = struct{}{}
	c.mu.Unlock()
}

// MarkInactive removes a session from the in-flight set.
func (c *Coordinator) MarkInactive(sessionID string) {
	c.mu.Lock()
	delete(c.active, sessionID)
	c.mu.Unlock()
}

// ReplacePending atomically swaps every placeholder for the real
// identifier the server assigned. Non-placeholder identifiers already
// active are preserved; protection continuity never lapses between the
// optimistic send and the server's confirmation.
func (c *Coordinator) ReplacePending(realSessionID string) {
	c.mu.Lock()
	for id := range c.active {
		if strings.HasPrefix(id, PendingPrefix) {
			delete(c.active, id)
		}
	}
	if realSessionID != "" {
		c.active[realSessionID] = struct{}{}
	}
	c.mu.Unlock()
}

// HasActive reports whether any conversation is in flight.
func (c *Coordinator) HasActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active) > 0
}

// IsActive reports whether a specific session is in flight.
func (c *Coordinator) IsActive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

// ActiveSessions returns a copy of the in-flight identifier set.
func (c *Coordinator) ActiveSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for id := range c.active {
		out = append(out, id)
	}
	return out
}

// AdditiveUpdate decides whether a refreshed listing is safe to apply
// wholesale. It is safe when no session is in flight, or when the active
// project and active session both still exist in the new data with
// identical identifying fields. Anything touching the active session's own
// record rejects the whole refresh; a partial merge is never attempted.
// New projects or sessions appearing elsewhere are always additive.
func (c *Coordinator) AdditiveUpdate(before, after []api.Project, activeProject, activeSession string) bool {
	if !c.HasActive() {
		return true
	}
	if activeProject == "" || activeSession == "" {
		return true
	}

	beforeProj := findProject(before, activeProject)
	afterProj := findProject(after, activeProject)
	if beforeProj == nil {
		// Nothing to protect in the old snapshot.
		return true
	}
	if afterProj == nil {
		return false
	}

	beforeSess := findSession(beforeProj.Sessions, activeSession)
	afterSess := findSession(afterProj.Sessions, activeSession)
	if beforeSess == nil {
		return true
	}
	if afterSess == nil {
		return false
	}
	if *beforeSess != *afterSess {
		return false
	}

	// A shrunken session list in the active project means something was
	// deleted out from under the conversation; reject rather than guess
	// which records are safe to drop.
	if len(afterProj.Sessions) < len(beforeProj.Sessions) {
		return false
	}
	return true
}

func findProject(projects []api.Project, name string) *api.Project {
	for i := range projects {
		if projects[i].Name == name {
			return &projects[i]
		}
	}
	return nil
}

func findSession(sessions []api.SessionSummary, id string) *api.SessionSummary {
	for i := range sessions {
		if sessions[i].ID == id {
			return &sessions[i]
		}
	}
	return nil
}
