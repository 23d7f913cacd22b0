// Package store is the centralized session state container: connection
// status, per-provider session records, and transient UI state. Consumers
// subscribe for change notification and read through narrow selectors; a
// bounded projection of the state is persisted on every mutation.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/bridgeclient/internal/store/persist"
)

// Provider identifies one of the backend-spawned interactive processes.
type Provider string

// ConnectionStatus is the chat-channel lifecycle state.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusFailed       ConnectionStatus = "failed"
)

// ConnectionState mirrors the supervisor's view of the chat channel.
// Connected is derived: it is true exactly when Status is connected.
type ConnectionState struct {
	Connected         bool
	Status            ConnectionStatus
	LastError         string
	ReconnectAttempts int
	LastActivity      time.Time
}

// MessageType classifies transcript entries.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
	MessageError     MessageType = "error"
)

// Message is one transcript entry. ID is stable for the lifetime of the
// entry; streaming edits update Text in place under the same ID.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
	Model     string      `json:"model,omitempty"`
}

// ContextInfo tracks conversation size against the provider's context window.
type ContextInfo struct {
	Turns           int
	EstimatedTokens int
	MaxContext      int
}

// ProviderSession is the per-provider conversation record. SessionID is
// empty until the server confirms session creation.
type ProviderSession struct {
	SessionID    string
	Active       bool
	Messages     []Message
	LastActivity time.Time
	Context      ContextInfo
}

// UIState holds transient per-tab state. None of it is persisted, and the
// typing/tool/activity flags are cleared on provider switch.
type UIState struct {
	ActiveProvider Provider
	Input          string
	Attachments    []string
	Typing         bool
	ToolStatus     string
	ActivityLock   bool
}

// Persister receives the bounded projection after each mutation. Failures
// are logged, never propagated; the in-memory store stays authoritative.
type Persister interface {
	Save(persist.Snapshot) error
}

// Store is the session state container. All access goes through its methods.
type Store struct {
	mu          sync.RWMutex
	conn        ConnectionState
	sessions    map[Provider]*ProviderSession
	ui          UIState
	projectPath string
	subs        map[string]func()
	persister   Persister
	log         *slog.Logger
}

// New creates a store with sessions for the given providers. The first
// provider becomes active. persister may be nil to disable persistence.
func New(providers []Provider, persister Persister, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		conn:      ConnectionState{Status: StatusDisconnected},
		sessions:  make(map[Provider]*ProviderSession),
		subs:      make(map[string]func()),
		persister: persister,
		log:       log,
	}
	for _, p := range providers {
		s.sessions[p] = &ProviderSession{}
	}
	if len(providers) > 0 {
		s.ui.ActiveProvider = providers[0]
	}
	return s
}

// Subscribe registers a change listener and returns its unsubscribe
// function. Listeners are notified after every mutation with no payload;
// they read what they need through selectors.
func (s *Store) Subscribe(fn func()) func() {
	id := uuid.NewString()
	s.mu.Lock()
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// mutate runs fn under the write lock, then persists the projection and
// notifies subscribers outside of it.
func (s *Store) mutate(fn func()) {
	s.mu.Lock()
	fn()
	var snap *persist.Snapshot
	if s.persister != nil {
		sn := s.projectLocked()
		snap = &sn
	}
	listeners := make([]func(), 0, len(s.subs))
	for _, l := range s.subs {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	if snap != nil {
		if err := s.persister.Save(*snap); err != nil {
			s.log.Warn("persist state", "error", err)
		}
	}
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("store subscriber panic", "panic", r)
				}
			}()
			l()
		}()
	}
}

func (s *Store) session(p Provider) *ProviderSession {
	sess, ok := s.sessions[p]
	if !ok {
		sess = &ProviderSession{}
		s.sessions[p] = sess
	}
	return sess
}

// ConnectionPatch is a partial update to ConnectionState. Nil fields are
// left unchanged.
type ConnectionPatch struct {
	Status            *ConnectionStatus
	LastError         *string
	ReconnectAttempts *int
	TouchActivity     bool
}

// SetConnection applies a partial connection-state update, maintaining the
// Connected/Status invariant.
func (s *Store) SetConnection(patch ConnectionPatch) {
	s.mutate(func() {
		if patch.Status != nil {
			s.conn.Status = *patch.Status
			s.conn.Connected = *patch.Status == StatusConnected
		}
		if patch.LastError != nil {
			s.conn.LastError = *patch.LastError
		}
		if patch.ReconnectAttempts != nil {
			s.conn.ReconnectAttempts = *patch.ReconnectAttempts
		}
		if patch.TouchActivity {
			s.conn.LastActivity = time.Now()
		}
	})
}

// SetSessionID records the server-issued identifier for a provider.
func (s *Store) SetSessionID(p Provider, id string) {
	s.mutate(func() {
		s.session(p).SessionID = id
	})
}

// SetActive toggles the in-flight flag for a provider's session.
func (s *Store) SetActive(p Provider, active bool) {
	s.mutate(func() {
		sess := s.session(p)
		sess.Active = active
		sess.LastActivity = time.Now()
	})
}

// AddMessage appends to the provider's transcript. A missing ID or
// timestamp is filled in. User messages count as conversation turns.
func (s *Store) AddMessage(p Provider, m Message) string {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.mutate(func() {
		sess := s.session(p)
		sess.Messages = append(sess.Messages, m)
		sess.LastActivity = m.Timestamp
		if m.Type == MessageUser {
			sess.Context.Turns++
		}
	})
	return m.ID
}

// UpdateMessageText edits a message in place, used for streaming updates to
// the single in-progress assistant message. Unknown IDs are ignored.
func (s *Store) UpdateMessageText(p Provider, id, text string) {
	s.mutate(func() {
		sess := s.session(p)
		for i := range sess.Messages {
			if sess.Messages[i].ID == id {
				sess.Messages[i].Text = text
				return
			}
		}
	})
}

// ClearMessages empties a provider's transcript.
func (s *Store) ClearMessages(p Provider) {
	s.mutate(func() {
		sess := s.session(p)
		sess.Messages = nil
		sess.Context = ContextInfo{MaxContext: sess.Context.MaxContext}
	})
}

// ResetSession drops the provider's session identity along with its
// transcript and context counters.
func (s *Store) ResetSession(p Provider) {
	s.mutate(func() {
		max := s.session(p).Context.MaxContext
		s.sessions[p] = &ProviderSession{Context: ContextInfo{MaxContext: max}}
	})
}

// SwitchProvider changes the active provider. The typing indicator, tool
// status, and activity lock are UI concerns scoped to the visible
// conversation; they must not leak across a switch.
func (s *Store) SwitchProvider(p Provider) {
	s.mutate(func() {
		s.ui.ActiveProvider = p
		s.ui.Typing = false
		s.ui.ToolStatus = ""
		s.ui.ActivityLock = false
	})
}

// SetTyping sets the typing indicator for the active conversation.
func (s *Store) SetTyping(typing bool) {
	s.mutate(func() {
		s.ui.Typing = typing
		if !typing {
			s.ui.ToolStatus = ""
		}
	})
}

// SetToolStatus labels the typing indicator with a running tool's name.
func (s *Store) SetToolStatus(label string) {
	s.mutate(func() {
		s.ui.ToolStatus = label
		s.ui.Typing = label != ""
	})
}

// SetActivityLock gates user input while a provider turn is in flight.
func (s *Store) SetActivityLock(locked bool) {
	s.mutate(func() { s.ui.ActivityLock = locked })
}

// SetInput updates the transient input buffer.
func (s *Store) SetInput(text string) {
	s.mutate(func() { s.ui.Input = text })
}

// SetAttachments replaces the transient attachment list.
func (s *Store) SetAttachments(paths []string) {
	s.mutate(func() {
		s.ui.Attachments = append([]string(nil), paths...)
	})
}

// SetProjectPath records the current project directory.
func (s *Store) SetProjectPath(path string) {
	s.mutate(func() { s.projectPath = path })
}

// AddTokens increments the running token estimate for a provider.
func (s *Store) AddTokens(p Provider, n int) {
	s.mutate(func() {
		s.session(p).Context.EstimatedTokens += n
	})
}

// SetEstimatedTokens replaces the running token estimate for a provider.
func (s *Store) SetEstimatedTokens(p Provider, n int) {
	s.mutate(func() {
		s.session(p).Context.EstimatedTokens = n
	})
}

// SetMaxContext records the context-window ceiling for a provider.
func (s *Store) SetMaxContext(p Provider, n int) {
	s.mutate(func() {
		s.session(p).Context.MaxContext = n
	})
}
