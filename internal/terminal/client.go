package terminal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/workspace/bridgeclient/internal/ws"
)

// Control frames exchanged with the shell endpoint. Keystrokes and output
// bypass the chat-channel normalizer entirely; this is a byte pipe with a
// thin control protocol around it.
type initFrame struct {
	Type        string `json:"type"`
	ProjectPath string `json:"projectPath"`
	SessionID   string `json:"sessionId,omitempty"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
}

type resizeFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type inputFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type shellFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// ClientConfig configures a shell-channel client.
type ClientConfig struct {
	URL         string
	Header      http.Header
	Dialer      ws.Dialer // nil for the production gorilla dialer
	ProjectPath string
	SessionID   string // resumed session, if any
	Cols, Rows  int
	Term        *Scrollback
	OpenURL     func(url string) // url_open control frames land here
	Logger      *slog.Logger
}

// Client owns one terminal's companion socket. On open it sends an init
// frame with the working directory, the resumed session id, and the current
// dimensions; it re-announces dimensions whenever they change, including
// right after a reattach, since the new mount may not match the old one.
type Client struct {
	mgr     *ws.Manager
	term    *Scrollback
	openURL func(string)
	log     *slog.Logger

	mu             sync.Mutex
	projectPath    string
	sessionID      string
	cols, rows     int
	connected      bool
	needsReconnect bool
	unsubs         []func()
}

// NewClient creates a shell-channel client. It does not dial until Connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Term == nil {
		cfg.Term = NewScrollback(0)
	}
	c := &Client{
		mgr: ws.NewManager(ws.ManagerConfig{
			URL:    cfg.URL,
			Header: cfg.Header,
			Dialer: cfg.Dialer,
			Logger: cfg.Logger,
		}),
		term:        cfg.Term,
		openURL:     cfg.OpenURL,
		log:         cfg.Logger,
		projectPath: cfg.ProjectPath,
		sessionID:   cfg.SessionID,
		cols:        cfg.Cols,
		rows:        cfg.Rows,
	}
	c.unsubs = append(c.unsubs,
		c.mgr.On(ws.EventOpen, c.onOpen),
		c.mgr.On(ws.EventClose, c.onClose),
		c.mgr.On(ws.EventMessage, c.onMessage),
	)
	return c
}

// Connect dials the shell endpoint. The init frame is sent from the open
// handler so a caller-initiated Reconnect follows the same path.
func (c *Client) Connect(ctx context.Context) error {
	return c.mgr.Connect(ctx)
}

// Term returns the scrollback handle output is written to.
func (c *Client) Term() *Scrollback {
	return c.term
}

// Connected reports whether the socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// NeedsReconnect reports that the socket died while the terminal was
// detached. The UI surfaces a manual reconnect affordance; stale output is
// never replayed as if live.
func (c *Client) NeedsReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsReconnect
}

// Reconnect is the manual affordance: dial again, resuming the same
// session id.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.needsReconnect = false
	c.mu.Unlock()
	return c.mgr.Connect(ctx)
}

// SendInput forwards keystrokes. Soft-fails when the socket is down.
func (c *Client) SendInput(data string) bool {
	return c.mgr.Send(inputFrame{Type: "input", Data: data})
}

// Resize records new dimensions and announces them if they changed.
func (c *Client) Resize(cols, rows int) {
	c.mu.Lock()
	changed := cols != c.cols || rows != c.rows
	c.cols, c.rows = cols, rows
	c.mu.Unlock()
	if changed {
		c.sendResize()
	}
}

// Reattach is called when a stored terminal is mounted again. Dimensions
// are always re-announced when they differ from the last attachment, even
// though the socket never closed.
func (c *Client) Reattach(cols, rows int) {
	c.Resize(cols, rows)
}

// Close severs the socket and drops all subscriptions. The scrollback is
// left to the registry to dispose.
func (c *Client) Close() {
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
	c.mgr.Disconnect("terminal evicted")
}

func (c *Client) onOpen([]byte) {
	c.mu.Lock()
	c.connected = true
	c.needsReconnect = false
	frame := initFrame{
		Type:        "init",
		ProjectPath: c.projectPath,
		SessionID:   c.sessionID,
		Cols:        c.cols,
		Rows:        c.rows,
	}
	c.mu.Unlock()
	c.mgr.Send(frame)
}

func (c *Client) onClose([]byte) {
	c.mu.Lock()
	c.connected = false
	c.needsReconnect = true
	c.mu.Unlock()
}

func (c *Client) onMessage(raw []byte) {
	var f shellFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.log.Warn("malformed shell frame dropped", "error", err)
		return
	}
	switch f.Type {
	case "output":
		if _, err := c.term.Write([]byte(f.Data)); err != nil {
			c.log.Warn("terminal write failed", "error", err)
		}
	case "url_open":
		// Open in a new browsing context rather than rendering as text.
		if c.openURL != nil && f.URL != "" {
			c.openURL(f.URL)
		}
	}
}

func (c *Client) sendResize() {
	c.mu.Lock()
	frame := resizeFrame{Type: "resize", Cols: c.cols, Rows: c.rows}
	c.mu.Unlock()
	c.mgr.Send(frame)
}
