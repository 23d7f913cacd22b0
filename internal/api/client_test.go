package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListProjects(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/api/projects", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"name":"proj-A","sessions":[{"id":"s1","title":"Fix bug","created_at":"t1","updated_at":"t2"}],"sessionMeta":{"total":1}},
			{"name":"proj-B","sessions":[],"sessionMeta":{"total":0}}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-123")
	projects, err := c.ListProjects(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	require.Len(t, projects, 2)
	assert.Equal(t, "proj-A", projects[0].Name)
	require.Len(t, projects[0].Sessions, 1)
	assert.Equal(t, "s1", projects[0].Sessions[0].ID)
	assert.Equal(t, 1, projects[0].SessionMeta.Total)
}

func TestListProjectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.ListProjects(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestInspectToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dev-user",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	info, err := InspectToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "dev-user", info.Subject)
	assert.Equal(t, exp.Unix(), info.ExpiresAt.Unix())
	assert.False(t, info.Expired(time.Now()))
	assert.True(t, info.Expired(exp.Add(time.Minute)))
}

func TestInspectTokenMalformed(t *testing.T) {
	_, err := InspectToken("not-a-token")
	assert.Error(t, err)
}
