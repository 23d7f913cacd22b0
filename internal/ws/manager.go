// Package ws owns the duplex websocket channels to the bridge server: a
// connection manager with no knowledge of message semantics, and a
// reconnect supervisor implementing the client's backoff policy.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event identifies a manager event subscribers can listen for.
type Event string

const (
	EventOpen    Event = "open"
	EventClose   Event = "close"
	EventError   Event = "error"
	EventMessage Event = "message"
)

// Handler receives event payloads. For EventMessage the payload is the raw
// inbound frame; for EventClose and EventError it is a textual reason.
// Handlers run on the read pump goroutine, so inbound frames are delivered
// strictly in arrival order.
type Handler func(payload []byte)

// Conn is the subset of *websocket.Conn the manager needs. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn. The production implementation wraps gorilla's dialer.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// GorillaDialer dials over gorilla/websocket.
type GorillaDialer struct {
	ReadBufferSize  int
	WriteBufferSize int
	Timeout         time.Duration
}

func (d *GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   d.ReadBufferSize,
		WriteBufferSize:  d.WriteBufferSize,
		HandshakeTimeout: d.Timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// pingFrame is the keep-alive payload sent on the heartbeat interval.
var pingFrame = []byte(`{"type":"ping"}`)

// ManagerConfig holds configuration for a connection manager.
type ManagerConfig struct {
	URL               string
	Header            http.Header // auth header attached to the handshake
	Dialer            Dialer
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Manager owns a single live websocket connection. It dials, pumps inbound
// frames to subscribers, and sends a keep-alive frame on a fixed interval
// while the socket is open. It attaches no meaning to frame contents, and it
// reports every closure identically; reconnection policy lives in Supervisor.
type Manager struct {
	url       string
	header    http.Header
	dialer    Dialer
	heartbeat time.Duration
	log       *slog.Logger

	mu     sync.Mutex
	conn   Conn
	gen    uint64 // increments per connection so stale pumps are ignored
	stopHB chan struct{}

	subMu sync.RWMutex
	subs  map[Event]map[string]Handler
}

// NewManager creates a connection manager. It does not dial.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = &GorillaDialer{Timeout: 10 * time.Second}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		url:       cfg.URL,
		header:    cfg.Header,
		dialer:    cfg.Dialer,
		heartbeat: cfg.HeartbeatInterval,
		log:       cfg.Logger,
		subs:      make(map[Event]map[string]Handler),
	}
}

// Connect dials the configured URL and starts the read pump and heartbeat.
// A second Connect while a socket is live returns an error; callers must
// Disconnect first.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, m.url, m.header)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.conn != nil {
		// Lost the race with a concurrent Connect.
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("already connected")
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.stopHB = make(chan struct{})
	stopHB := m.stopHB
	m.mu.Unlock()

	go m.readPump(conn, gen)
	go m.heartbeatLoop(stopHB)

	m.emit(EventOpen, nil)
	return nil
}

// IsConnected reports whether a socket is currently open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Send marshals v and writes it to the socket. It returns false, without an
// error, when the socket is not open or the write fails: callers treat this
// as a soft failure and retry after the next successful connect.
func (m *Manager) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Error("marshal outbound frame", "error", err)
		return false
	}
	return m.SendRaw(data)
}

// SendRaw writes a pre-encoded frame. Same soft-failure contract as Send.
func (m *Manager) SendRaw(data []byte) bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.log.Warn("websocket write failed", "error", err)
		return false
	}
	return true
}

// Disconnect closes the current socket, if any. Subscribers observe the
// closure through EventClose exactly as for a remote close.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if wc, ok := conn.(*websocket.Conn); ok {
		_ = wc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	// The read pump observes the close error and runs the shared teardown.
	_ = conn.Close()
}

// On registers a handler for an event and returns its unsubscribe function.
// Every subscriber must unsubscribe on teardown; handlers accumulate across
// reconnects otherwise.
func (m *Manager) On(event Event, h Handler) func() {
	id := uuid.NewString()
	m.subMu.Lock()
	if m.subs[event] == nil {
		m.subs[event] = make(map[string]Handler)
	}
	m.subs[event][id] = h
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs[event], id)
		m.subMu.Unlock()
	}
}

func (m *Manager) readPump(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.teardown(gen, err)
			return
		}
		m.emit(EventMessage, data)
	}
}

// teardown runs once per connection, whichever path gets there first.
func (m *Manager) teardown(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	close(m.stopHB)
	m.stopHB = nil
	m.mu.Unlock()

	_ = conn.Close()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	m.log.Info("websocket closed", "reason", reason)
	m.emit(EventClose, []byte(reason))
}

func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.SendRaw(pingFrame)
		}
	}
}

// emit calls every handler registered for event. A panicking handler is
// logged and must not stall delivery of subsequent frames.
func (m *Manager) emit(event Event, payload []byte) {
	m.subMu.RLock()
	handlers := make([]Handler, 0, len(m.subs[event]))
	for _, h := range m.subs[event] {
		handlers = append(handlers, h)
	}
	m.subMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("event handler panic", "event", string(event), "panic", r)
				}
			}()
			h(payload)
		}()
	}
}
