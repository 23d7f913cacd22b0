// Package api is the thin HTTP side of the bridge server: the project and
// session listing the protection coordinator gates, fetched with the same
// bearer token the websocket channels present.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SessionSummary identifies one server-side session in a listing.
type SessionSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Project is one entry of the project listing.
type Project struct {
	Name        string           `json:"name"`
	Sessions    []SessionSummary `json:"sessions"`
	SessionMeta struct {
		Total int `json:"total"`
	} `json:"sessionMeta"`
}

// Client issues authenticated requests against the bridge server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for baseURL. token may be empty for unauthenticated
// development servers.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ListProjects fetches the project listing with nested session summaries.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/projects")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("list projects: status %d: %s", resp.StatusCode, body)
	}

	var projects []Project
	if err := json.NewDecoder(resp.Body).Decode(&projects); err != nil {
		return nil, fmt.Errorf("decode project listing: %w", err)
	}
	return projects, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}
