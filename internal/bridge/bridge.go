// Package bridge wires the client together: the chat channel's connection
// manager and reconnect supervisor feed per-provider stream normalizers,
// mutations land in the session store, and outbound operations go through a
// liveness-checked send. It also owns the optimistic session-protection
// bookkeeping around each prompt.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/workspace/bridgeclient/internal/api"
	"github.com/workspace/bridgeclient/internal/config"
	"github.com/workspace/bridgeclient/internal/protect"
	"github.com/workspace/bridgeclient/internal/store"
	"github.com/workspace/bridgeclient/internal/stream"
	"github.com/workspace/bridgeclient/internal/terminal"
	"github.com/workspace/bridgeclient/internal/ws"
)

// ErrNotConnected is the soft failure for sends during a reconnection
// window. Expected, not exceptional; the caller retries once the channel
// is back.
var ErrNotConnected = errors.New("not connected")

// Options carries test seams and optional collaborators.
type Options struct {
	Dialer      ws.Dialer    // nil for the production gorilla dialer
	ShellDialer ws.Dialer    // dialer for terminal sockets
	Store       *store.Store // nil builds one from the config
	OpenURL     func(string) // url_open frames from terminals land here
	Logger      *slog.Logger
}

// Bridge is the client's top-level assembly.
type Bridge struct {
	cfg   *config.Config
	st    *store.Store
	coord *protect.Coordinator
	mgr   *ws.Manager
	sup   *ws.Supervisor
	terms *terminal.Registry
	ref   *protect.Refresher
	log   *slog.Logger

	normalizers map[store.Provider]*stream.Normalizer

	mu      sync.Mutex
	pending map[store.Provider]string // placeholder ids awaiting confirmation
	unsubs  []func()
}

// New assembles a bridge from configuration.
func New(cfg *config.Config, opts Options) *Bridge {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	st := opts.Store
	if st == nil {
		providers := make([]store.Provider, 0, len(cfg.Providers))
		for _, p := range cfg.Providers {
			providers = append(providers, store.Provider(p))
		}
		st = store.New(providers, nil, log)
	}

	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &ws.GorillaDialer{
			ReadBufferSize:  cfg.WSReadBufferSize,
			WriteBufferSize: cfg.WSWriteBufferSize,
			Timeout:         10 * time.Second,
		}
	}

	b := &Bridge{
		cfg:   cfg,
		st:    st,
		coord: protect.NewCoordinator(),
		log:   log,
		mgr: ws.NewManager(ws.ManagerConfig{
			URL:               cfg.ChatURL(),
			Header:            header,
			Dialer:            dialer,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Logger:            log.With("channel", "chat"),
		}),
		normalizers: make(map[store.Provider]*stream.Normalizer),
		pending:     make(map[store.Provider]string),
	}

	b.sup = ws.NewSupervisor(b.mgr, ws.SupervisorConfig{
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		ForceDelay:  cfg.ForceReconnectDelay,
		OnState:     b.onConnectionState,
		Logger:      log.With("channel", "chat"),
	})

	for _, name := range cfg.Providers {
		provider := store.Provider(name)
		b.normalizers[provider] = stream.New(stream.Config{
			Provider:         provider,
			Store:            st,
			Windows:          cfg.ContextWindows,
			OnSessionStarted: func(id string) { b.onSessionStarted(provider, id) },
			OnSessionEnded:   func(id string) { b.onSessionEnded(provider, id) },
			Logger:           log.With("provider", name),
		})
	}

	shellDialer := opts.ShellDialer
	if shellDialer == nil {
		shellDialer = dialer
	}
	b.terms = terminal.NewRegistry(func(key string) (*terminal.Record, error) {
		term := terminal.NewScrollback(0)
		client := terminal.NewClient(terminal.ClientConfig{
			URL:         cfg.ShellURL(),
			Header:      header,
			Dialer:      shellDialer,
			ProjectPath: st.ProjectPath(),
			SessionID:   shellSessionID(key),
			Cols:        cfg.DefaultCols,
			Rows:        cfg.DefaultRows,
			Term:        term,
			OpenURL:     opts.OpenURL,
			Logger:      log.With("channel", "shell", "key", key),
		})
		if err := client.Connect(context.Background()); err != nil {
			return nil, err
		}
		return &terminal.Record{Term: term, Client: client}, nil
	}, log)

	if cfg.ProjectPath != "" {
		st.SetProjectPath(cfg.ProjectPath)
	}
	return b
}

// shellSessionID recovers the resumable session id from a registry key;
// per-project placeholder keys carry none.
func shellSessionID(key string) string {
	if strings.HasPrefix(key, "project-") {
		return ""
	}
	return key
}

// Start connects the chat channel and begins dispatching inbound frames.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	b.unsubs = append(b.unsubs, b.mgr.On(ws.EventMessage, b.dispatch))
	b.mu.Unlock()
	b.sup.Start(ctx)
}

// AttachRefresher wires a periodic project-list refresh gated by the
// protection coordinator.
func (b *Bridge) AttachRefresher(lister protect.Lister, onApply func([]api.Project)) *protect.Refresher {
	b.ref = protect.NewRefresher(protect.RefresherConfig{
		Lister:   lister,
		Coord:    b.coord,
		Interval: b.cfg.RefreshInterval,
		ActiveRef: func() (string, string) {
			provider := b.st.ActiveProvider()
			return filepath.Base(b.st.ProjectPath()), b.st.SessionID(provider)
		},
		OnApply: onApply,
		Logger:  b.log,
	})
	return b.ref
}

// Store exposes the session store for selectors and subscriptions.
func (b *Bridge) Store() *store.Store { return b.st }

// Coordinator exposes the protection coordinator.
func (b *Bridge) Coordinator() *protect.Coordinator { return b.coord }

// Terminals exposes the terminal session registry.
func (b *Bridge) Terminals() *terminal.Registry { return b.terms }

// ForceReconnect is the user escape hatch for a wedged chat channel.
func (b *Bridge) ForceReconnect() { b.sup.ForceReconnect() }

// dispatch routes one inbound frame to its provider's normalizer. Arrival
// order is preserved: this runs on the read pump. Lifecycle frames that
// carry no provider tag concern the session the user is currently driving.
func (b *Bridge) dispatch(raw []byte) {
	b.st.SetConnection(store.ConnectionPatch{TouchActivity: true})

	var head struct {
		Type     string `json:"type"`
		Provider string `json:"provider,omitempty"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		b.log.Warn("malformed frame dropped", "error", err)
		return
	}
	for p, n := range b.normalizers {
		if strings.HasPrefix(head.Type, string(p)+"-") || head.Provider == string(p) {
			n.HandleFrame(raw)
			return
		}
	}
	if n, ok := b.normalizers[b.st.ActiveProvider()]; ok {
		n.HandleFrame(raw)
	}
}

func (b *Bridge) onConnectionState(c ws.StateChange) {
	status := store.ConnectionStatus(c.Status)
	b.st.SetConnection(store.ConnectionPatch{
		Status:            &status,
		LastError:         &c.LastError,
		ReconnectAttempts: &c.Attempts,
	})
}

func (b *Bridge) onSessionStarted(p store.Provider, id string) {
	b.mu.Lock()
	delete(b.pending, p)
	b.mu.Unlock()
	b.coord.ReplacePending(id)
}

func (b *Bridge) onSessionEnded(p store.Provider, id string) {
	b.mu.Lock()
	placeholder := b.pending[p]
	delete(b.pending, p)
	b.mu.Unlock()
	if placeholder != "" {
		b.coord.MarkInactive(placeholder)
	}
	if id != "" {
		b.coord.MarkInactive(id)
	}
}

// streamMessageFrame is the outbound prompt frame.
type streamMessageFrame struct {
	Type        string   `json:"type"`
	Message     string   `json:"message"`
	SessionID   string   `json:"sessionId,omitempty"`
	ProjectPath string   `json:"projectPath"`
	Attachments []string `json:"attachments"`
	Images      []string `json:"images"`
}

// SendMessage sends a user prompt to a provider. The session is protected
// before the frame leaves: with no confirmed identifier yet, a pending
// placeholder holds the slot until the server's session-started replaces it.
func (b *Bridge) SendMessage(p store.Provider, text string, attachments, images []string) error {
	norm, ok := b.normalizers[p]
	if !ok {
		return fmt.Errorf("unknown provider %q", p)
	}
	if b.sup.Status() != ws.StatusConnected {
		return ErrNotConnected
	}

	sessionID := b.st.SessionID(p)
	protectID := sessionID
	if protectID == "" {
		protectID = protect.NewPendingID()
		b.mu.Lock()
		b.pending[p] = protectID
		b.mu.Unlock()
	}
	b.coord.MarkActive(protectID)

	ok = b.sup.Send(streamMessageFrame{
		Type:        string(p) + "-stream-message",
		Message:     text,
		SessionID:   sessionID,
		ProjectPath: b.st.ProjectPath(),
		Attachments: attachments,
		Images:      images,
	})
	if !ok {
		b.coord.MarkInactive(protectID)
		b.mu.Lock()
		delete(b.pending, p)
		b.mu.Unlock()
		return ErrNotConnected
	}

	b.st.AddMessage(p, store.Message{Type: store.MessageUser, Text: text})
	b.st.SetActive(p, true)
	b.st.SetActivityLock(true)
	b.st.SetTyping(true)
	b.st.SetInput("")
	b.st.SetAttachments(nil)
	norm.BeginPrompt()
	return nil
}

// StartSession asks the server to spawn a fresh provider session.
func (b *Bridge) StartSession(p store.Provider, options map[string]any) error {
	if !b.sup.Send(map[string]any{
		"type":    string(p) + "-start-session",
		"options": options,
	}) {
		return ErrNotConnected
	}
	return nil
}

// EndSession closes the provider's current session.
func (b *Bridge) EndSession(p store.Provider) error {
	sessionID := b.st.SessionID(p)
	if !b.sup.Send(map[string]any{
		"type":      string(p) + "-end-session",
		"sessionId": sessionID,
	}) {
		return ErrNotConnected
	}
	return nil
}

// RestartSession ends the current session and starts a fresh one. The
// closure notice for the old session is suppressed; the user asked for
// this, it is not news.
func (b *Bridge) RestartSession(p store.Provider, options map[string]any) error {
	norm, ok := b.normalizers[p]
	if !ok {
		return fmt.Errorf("unknown provider %q", p)
	}
	norm.MarkRestarting()
	if err := b.EndSession(p); err != nil {
		return err
	}
	return b.StartSession(p, options)
}

// AbortSession cancels the in-flight turn.
func (b *Bridge) AbortSession(p store.Provider) error {
	if !b.sup.Send(map[string]any{
		"type":      string(p) + "-abort-session",
		"sessionId": b.st.SessionID(p),
	}) {
		return ErrNotConnected
	}
	return nil
}

// AcquireTerminal mounts (or remounts) the terminal for the given provider
// session, keyed by the session id or the project when none exists yet.
func (b *Bridge) AcquireTerminal(sessionID string) (*terminal.Record, bool, error) {
	key := terminal.SessionKey(sessionID, filepath.Base(b.st.ProjectPath()))
	return b.terms.Acquire(key)
}

// Close tears the whole client down: refresh loop, chat channel, and every
// terminal session.
func (b *Bridge) Close() {
	if b.ref != nil {
		b.ref.Close()
	}
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	b.sup.Close()
	b.terms.EvictAll()
}
