// Package terminal keeps remote shell sessions alive across view changes.
// A terminal's scrollback and its socket are expensive to rebuild, so both
// live in a process-wide registry keyed by session identity and survive
// being detached from whatever is currently rendering them.
package terminal

import (
	"errors"
	"sync"
)

// defaultScrollbackBytes bounds retained output per terminal.
const defaultScrollbackBytes = 256 * 1024

// ErrDisposed is returned by writes to an evicted terminal.
var ErrDisposed = errors.New("terminal disposed")

// Scrollback is the rendering handle: a bounded buffer of raw terminal
// output. Output frames are written verbatim; a renderer reads Contents
// after reattaching to restore what was on screen.
type Scrollback struct {
	mu       sync.Mutex
	buf      []byte
	max      int
	disposed bool
}

// NewScrollback creates a buffer retaining up to max bytes (0 = default).
func NewScrollback(max int) *Scrollback {
	if max <= 0 {
		max = defaultScrollbackBytes
	}
	return &Scrollback{max: max}
}

// Write appends output, trimming the oldest bytes past the bound.
func (s *Scrollback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0, ErrDisposed
	}
	s.buf = append(s.buf, p...)
	if len(s.buf) > s.max {
		trimmed := s.buf[len(s.buf)-s.max:]
		s.buf = append([]byte(nil), trimmed...)
	}
	return len(p), nil
}

// Contents returns a copy of the retained output.
func (s *Scrollback) Contents() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

// Dispose releases the buffer; further writes fail.
func (s *Scrollback) Dispose() {
	s.mu.Lock()
	s.buf = nil
	s.disposed = true
	s.mu.Unlock()
}
