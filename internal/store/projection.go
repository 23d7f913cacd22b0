package store

import (
	"time"

	"github.com/workspace/bridgeclient/internal/store/persist"
)

// projectLocked builds the persistable subset of the store. It is the only
// coupling point between the in-memory shape and the persisted schema:
// session identity, the transcript tail, context counters, the active
// provider, and the project path. Transient UI fields never leave memory.
func (s *Store) projectLocked() persist.Snapshot {
	snap := persist.Snapshot{
		Version:        persist.SchemaVersion,
		ActiveProvider: string(s.ui.ActiveProvider),
		ProjectPath:    s.projectPath,
		Sessions:       make(map[string]persist.SessionSnapshot, len(s.sessions)),
	}
	for p, sess := range s.sessions {
		msgs := sess.Messages
		if len(msgs) > persist.MaxMessages {
			msgs = msgs[len(msgs)-persist.MaxMessages:]
		}
		ss := persist.SessionSnapshot{
			SessionID:       sess.SessionID,
			Turns:           sess.Context.Turns,
			EstimatedTokens: sess.Context.EstimatedTokens,
			MaxContext:      sess.Context.MaxContext,
			Messages:        make([]persist.MessageSnapshot, 0, len(msgs)),
		}
		for _, m := range msgs {
			ss.Messages = append(ss.Messages, persist.MessageSnapshot{
				ID:        m.ID,
				Type:      string(m.Type),
				Text:      m.Text,
				Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
				Model:     m.Model,
			})
		}
		snap.Sessions[string(p)] = ss
	}
	return snap
}

// Hydrate applies a previously persisted snapshot. Malformed timestamps are
// tolerated (zero time); unknown providers in the snapshot are adopted.
func (s *Store) Hydrate(snap persist.Snapshot) {
	s.mutate(func() {
		if snap.ActiveProvider != "" {
			s.ui.ActiveProvider = Provider(snap.ActiveProvider)
		}
		if snap.ProjectPath != "" {
			s.projectPath = snap.ProjectPath
		}
		for name, ss := range snap.Sessions {
			sess := s.session(Provider(name))
			sess.SessionID = ss.SessionID
			sess.Context = ContextInfo{
				Turns:           ss.Turns,
				EstimatedTokens: ss.EstimatedTokens,
				MaxContext:      ss.MaxContext,
			}
			msgs := ss.Messages
			if len(msgs) > persist.MaxMessages {
				msgs = msgs[len(msgs)-persist.MaxMessages:]
			}
			sess.Messages = make([]Message, 0, len(msgs))
			for _, m := range msgs {
				ts, _ := time.Parse(time.RFC3339Nano, m.Timestamp)
				sess.Messages = append(sess.Messages, Message{
					ID:        m.ID,
					Type:      MessageType(m.Type),
					Text:      m.Text,
					Timestamp: ts,
					Model:     m.Model,
				})
			}
		}
	})
}
