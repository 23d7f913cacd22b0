package store

// Narrow read accessors. Each returns a copy of one slice of state so a
// consumer watching, say, the transcript is not coupled to unrelated fields.

// Connection returns the current connection state.
func (s *Store) Connection() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// ActiveProvider returns the provider whose conversation is visible.
func (s *Store) ActiveProvider() Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ui.ActiveProvider
}

// UI returns the transient UI state.
func (s *Store) UI() UIState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ui := s.ui
	ui.Attachments = append([]string(nil), s.ui.Attachments...)
	return ui
}

// Session returns a copy of one provider's session record.
func (s *Store) Session(p Provider) ProviderSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[p]
	if !ok {
		return ProviderSession{}
	}
	out := *sess
	out.Messages = append([]Message(nil), sess.Messages...)
	return out
}

// Messages returns a copy of one provider's transcript.
func (s *Store) Messages(p Provider) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[p]
	if !ok {
		return nil
	}
	return append([]Message(nil), sess.Messages...)
}

// Context returns one provider's context accounting.
func (s *Store) Context(p Provider) ContextInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[p]
	if !ok {
		return ContextInfo{}
	}
	return sess.Context
}

// SessionID returns the server-issued identifier for a provider, or "".
func (s *Store) SessionID(p Provider) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[p]; ok {
		return sess.SessionID
	}
	return ""
}

// ProjectPath returns the current project directory.
func (s *Store) ProjectPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectPath
}
