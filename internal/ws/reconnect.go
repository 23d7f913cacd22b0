package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the connection lifecycle state surfaced to the rest of the client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// StateChange is reported to the supervisor's sink on every transition.
type StateChange struct {
	Status    Status
	Attempts  int    // reconnect attempts consumed so far
	LastError string // cause of the most recent close, if any
}

// SupervisorConfig holds the reconnection policy knobs.
type SupervisorConfig struct {
	BaseDelay   time.Duration // first retry delay; doubles per attempt
	MaxAttempts int           // attempts before giving up permanently
	ForceDelay  time.Duration // short fixed delay used by ForceReconnect
	OnState     func(StateChange)
	Logger      *slog.Logger
}

// Supervisor drives a Manager through the reconnect state machine:
// disconnected -> connecting -> connected, and on unexpected close either
// reconnecting -> connecting (retry, delay = base * 2^attempts) or
// reconnecting -> failed once attempts are exhausted. Failed is terminal
// until ForceReconnect, the explicit user escape hatch, which cancels any
// pending retry and dials after a short fixed delay with a fresh attempt
// budget. Every scheduled timer is cancellable and cancelled on Close so a
// stale retry can never fire into a torn-down client.
type Supervisor struct {
	mgr *Manager
	cfg SupervisorConfig
	log *slog.Logger
	ctx context.Context

	mu         sync.Mutex
	status     Status
	attempts   int
	lastError  string
	retryTimer *time.Timer
	suppress   bool // next close is self-initiated; do not schedule a retry
	closed     bool
	unsubs     []func()
}

// NewSupervisor wraps mgr with the reconnection policy. It does not dial
// until Start.
func NewSupervisor(mgr *Manager, cfg SupervisorConfig) *Supervisor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ForceDelay <= 0 {
		cfg.ForceDelay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		mgr:    mgr,
		cfg:    cfg,
		log:    cfg.Logger,
		status: StatusDisconnected,
	}
}

// Start subscribes to the manager and makes the initial connection attempt.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.unsubs = append(s.unsubs,
		s.mgr.On(EventOpen, s.onOpen),
		s.mgr.On(EventClose, s.onClose),
	)
	s.mu.Unlock()

	s.setStatus(StatusConnecting)
	go s.dial()
}

// Status returns the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Send forwards to the manager after a liveness check. Returns false when
// the channel is not connected; the caller surfaces "not connected" rather
// than throwing.
func (s *Supervisor) Send(v any) bool {
	if s.Status() != StatusConnected {
		return false
	}
	return s.mgr.Send(v)
}

// ForceReconnect cancels any pending automatic retry, closes the current
// socket if open, resets the attempt budget, and dials after the configured
// short delay. Distinct from automatic retry: it does not wait out the
// backoff curve.
func (s *Supervisor) ForceReconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelRetryLocked()
	s.attempts = 0
	connected := s.mgr.IsConnected()
	if connected {
		s.suppress = true
	}
	s.retryTimer = time.AfterFunc(s.cfg.ForceDelay, func() {
		if !s.alive() {
			return
		}
		s.setStatus(StatusConnecting)
		s.dial()
	})
	s.mu.Unlock()

	if connected {
		s.mgr.Disconnect("manual reconnect")
	}
	s.log.Info("manual reconnect requested")
}

// Close tears the supervisor down: cancels timers, unsubscribes from the
// manager, and closes the socket. The supervisor cannot be restarted.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.suppress = true
	s.cancelRetryLocked()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.mgr.Disconnect("client shutdown")
}

func (s *Supervisor) dial() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.mgr.Connect(ctx); err != nil {
		s.log.Warn("connect failed", "error", err)
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		s.scheduleRetry()
	}
}

func (s *Supervisor) onOpen([]byte) {
	s.mu.Lock()
	s.attempts = 0
	s.lastError = ""
	s.mu.Unlock()
	s.setStatus(StatusConnected)
}

func (s *Supervisor) onClose(reason []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.suppress {
		// Self-initiated closure (ForceReconnect or Close); the follow-up
		// is already scheduled.
		s.suppress = false
		s.mu.Unlock()
		return
	}
	if len(reason) > 0 {
		s.lastError = string(reason)
	}
	s.mu.Unlock()
	s.scheduleRetry()
}

func (s *Supervisor) scheduleRetry() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.MaxAttempts {
		s.mu.Unlock()
		s.setStatus(StatusFailed)
		s.log.Error("reconnect attempts exhausted", "attempts", s.cfg.MaxAttempts)
		return
	}
	delay := s.cfg.BaseDelay * (1 << s.attempts)
	s.attempts++
	attempts := s.attempts
	// Flip to reconnecting before arming the timer so the callback can never
	// observe (or overwrite) a stale status.
	s.status = StatusReconnecting
	change := StateChange{Status: StatusReconnecting, Attempts: attempts, LastError: s.lastError}
	s.cancelRetryLocked()
	s.retryTimer = time.AfterFunc(delay, func() {
		if !s.alive() {
			return
		}
		s.setStatus(StatusConnecting)
		s.dial()
	})
	sink := s.cfg.OnState
	s.mu.Unlock()

	if sink != nil {
		sink(change)
	}
	s.log.Info("reconnect scheduled", "attempt", attempts, "delay", delay)
}

func (s *Supervisor) cancelRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Supervisor) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	change := StateChange{Status: st, Attempts: s.attempts, LastError: s.lastError}
	sink := s.cfg.OnState
	s.mu.Unlock()

	if sink != nil {
		sink(change)
	}
}
