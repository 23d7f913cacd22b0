package protect

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/bridgeclient/internal/api"
)

func TestReplacePending(t *testing.T) {
	c := NewCoordinator()
	c.MarkActive("pending-abc")
	c.MarkActive("other-session")

	c.ReplacePending("sess-123")

	got := c.ActiveSessions()
	sort.Strings(got)
	assert.Equal(t, []string{"other-session", "sess-123"}, got)
}

func TestReplacePendingRemovesAllPlaceholders(t *testing.T) {
	c := NewCoordinator()
	c.MarkActive("pending-one")
	c.MarkActive("pending-two")

	c.ReplacePending("sess-9")

	got := c.ActiveSessions()
	require.Len(t, got, 1)
	assert.Equal(t, "sess-9", got[0])
}

func TestMarkInactive(t *testing.T) {
	c := NewCoordinator()
	c.MarkActive("sess-1")
	assert.True(t, c.HasActive())
	assert.True(t, c.IsActive("sess-1"))

	c.MarkInactive("sess-1")
	assert.False(t, c.HasActive())
}

func TestNewPendingIDUsesReservedPrefix(t *testing.T) {
	id := NewPendingID()
	assert.True(t, strings.HasPrefix(id, PendingPrefix))
	assert.NotEqual(t, NewPendingID(), id)
}

func listing(updatedAt string, extraSessions ...api.SessionSummary) []api.Project {
	p := api.Project{
		Name: "proj-A",
		Sessions: append([]api.SessionSummary{
			{ID: "sess-1", Title: "Fix the bug", CreatedAt: "2026-08-27T08:00:00Z", UpdatedAt: updatedAt},
		}, extraSessions...),
	}
	p.SessionMeta.Total = len(p.Sessions)
	return []api.Project{p}
}

func TestAdditiveWhenNothingActive(t *testing.T) {
	c := NewCoordinator()
	assert.True(t, c.AdditiveUpdate(listing("t1"), nil, "proj-A", "sess-1"),
		"with no active session any refresh is safe")
}

func TestAdditiveWhenActiveSessionUnchanged(t *testing.T) {
	c := NewCoordinator()
	c.MarkActive("sess-1")

	before := listing("t1")
	after := listing("t1", api.SessionSummary{ID: "sess-2", Title: "New work"})

	assert.True(t, c.AdditiveUpdate(before, after, "proj-A", "sess-1"),
		"new sibling sessions are additive")
}

func TestRejectWhenActiveSessionUpdated(t *testing.T) {
	c := NewCoordinator()
	c.MarkActive("sess-1")

	before := listing("2026-08-28T10:00:00Z")
	after := listing("2026-08-28T10:05:00Z")

	assert.False(t, c.AdditiveUpdate(before, after, "proj-A", "sess-1"),
		"a changed updated_at on the active session rejects the refresh")
}

func TestRejectWhenActiveSessionDisappears(t *testing.T) {
	c := NewCoordinator()
	c.MarkActive("sess-1")

	before := listing("t1")
	after := []api.Project{{Name: "proj-A"}}

	assert.False(t, c.AdditiveUpdate(before, after, "proj-A", "sess-1"))
}

func TestRejectWhenActiveProjectDisappears(t *testing.T) {
	c := NewCoordinator()
	c.MarkActive("sess-1")

	assert.False(t, c.AdditiveUpdate(listing("t1"), []api.Project{}, "proj-A", "sess-1"))
}

func TestRejectWhenSiblingDeleted(t *testing.T) {
	c := NewCoordinator()
	c.MarkActive("sess-1")

	before := listing("t1", api.SessionSummary{ID: "sess-2", Title: "Other"})
	after := listing("t1")

	assert.False(t, c.AdditiveUpdate(before, after, "proj-A", "sess-1"),
		"a shrunken session list rejects the whole refresh")
}

func TestAdditiveWhenNewProjectAppears(t *testing.T) {
	c := NewCoordinator()
	c.MarkActive("sess-1")

	before := listing("t1")
	after := append(listing("t1"), api.Project{Name: "proj-B"})

	assert.True(t, c.AdditiveUpdate(before, after, "proj-A", "sess-1"))
}

// fakeLister returns canned listings in sequence.
type fakeLister struct {
	listings [][]api.Project
	calls    int
}

func (f *fakeLister) ListProjects(context.Context) ([]api.Project, error) {
	if f.calls < len(f.listings) {
		f.calls++
		return f.listings[f.calls-1], nil
	}
	return f.listings[len(f.listings)-1], nil
}

func TestRefresherAppliesAdditiveAndSkipsDestructive(t *testing.T) {
	coord := NewCoordinator()
	coord.MarkActive("sess-1")

	initial := listing("t1")
	grown := listing("t1", api.SessionSummary{ID: "sess-2"})
	touched := listing("t2", api.SessionSummary{ID: "sess-2"})

	var applied [][]api.Project
	r := NewRefresher(RefresherConfig{
		Lister:    &fakeLister{listings: [][]api.Project{initial, grown, touched}},
		Coord:     coord,
		ActiveRef: func() (string, string) { return "proj-A", "sess-1" },
		OnApply:   func(p []api.Project) { applied = append(applied, p) },
	})
	defer r.Close()

	ctx := context.Background()
	// First fetch: no prior snapshot, applied.
	require.NoError(t, r.RefreshNow(ctx))
	// Second fetch adds a sibling: additive, applied.
	require.NoError(t, r.RefreshNow(ctx))
	// Third fetch touches the active session: rejected outright.
	require.NoError(t, r.RefreshNow(ctx))

	require.Len(t, applied, 2)
	assert.Len(t, r.Projects()[0].Sessions, 2, "kept the grown listing")
	assert.Equal(t, "t1", r.Projects()[0].Sessions[0].UpdatedAt, "rejected listing never landed")
}
