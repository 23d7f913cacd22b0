// Package persist writes the session store's bounded projection to a local
// SQLite database so a restarted client can pick up where it left off.
package persist

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SchemaVersion tags the persisted schema. A database written by a newer
// client is left untouched and hydration starts empty.
const SchemaVersion = 1

// MaxMessages bounds the transcript tail kept per provider.
const MaxMessages = 50

// Snapshot is the persistable subset of the session store.
type Snapshot struct {
	Version        int
	ActiveProvider string
	ProjectPath    string
	Sessions       map[string]SessionSnapshot
}

// SessionSnapshot is one provider's persisted record.
type SessionSnapshot struct {
	SessionID       string
	Turns           int
	EstimatedTokens int
	MaxContext      int
	Messages        []MessageSnapshot
}

// MessageSnapshot is one persisted transcript entry.
type MessageSnapshot struct {
	ID        string
	Type      string
	Text      string
	Timestamp string // RFC 3339
	Model     string
}

// Store provides snapshot persistence backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a SQLite database at the given path, creating
// parent directories as needed.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	if version > SchemaVersion {
		// Written by a newer client; leave the data alone.
		return nil
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}
	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the client state, session, and message tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS client_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			active_provider TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS sessions (
			provider TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			turns INTEGER NOT NULL DEFAULT 0,
			estimated_tokens INTEGER NOT NULL DEFAULT 0,
			max_context INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS messages (
			provider TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (provider, seq)
		);
	`)
	return err
}

// Save replaces the persisted snapshot in a single transaction. The
// transcript tail is truncated to MaxMessages per provider on the way in.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO client_state (id, active_provider, project_path) VALUES (1, ?, ?)`,
		snap.ActiveProvider, snap.ProjectPath,
	); err != nil {
		return fmt.Errorf("save client state: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for provider, sess := range snap.Sessions {
		if _, err := tx.Exec(
			`INSERT INTO sessions (provider, session_id, turns, estimated_tokens, max_context) VALUES (?, ?, ?, ?, ?)`,
			provider, sess.SessionID, sess.Turns, sess.EstimatedTokens, sess.MaxContext,
		); err != nil {
			return fmt.Errorf("save session %s: %w", provider, err)
		}
		msgs := sess.Messages
		if len(msgs) > MaxMessages {
			msgs = msgs[len(msgs)-MaxMessages:]
		}
		for seq, m := range msgs {
			if _, err := tx.Exec(
				`INSERT INTO messages (provider, seq, id, type, text, timestamp, model) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				provider, seq, m.ID, m.Type, m.Text, m.Timestamp, m.Model,
			); err != nil {
				return fmt.Errorf("save message %s/%d: %w", provider, seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads the persisted snapshot. A database written by a newer schema
// yields an empty snapshot so the client starts fresh rather than
// misreading future tables.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Version: SchemaVersion, Sessions: make(map[string]SessionSnapshot)}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return snap, fmt.Errorf("get schema version: %w", err)
	}
	if version > SchemaVersion {
		slog.Warn("Persisted state written by newer client; starting empty",
			"persisted_version", version, "supported_version", SchemaVersion)
		return snap, nil
	}

	err := s.db.QueryRow(`SELECT active_provider, project_path FROM client_state WHERE id = 1`).
		Scan(&snap.ActiveProvider, &snap.ProjectPath)
	if err != nil && err != sql.ErrNoRows {
		return snap, fmt.Errorf("load client state: %w", err)
	}

	rows, err := s.db.Query(`SELECT provider, session_id, turns, estimated_tokens, max_context FROM sessions`)
	if err != nil {
		return snap, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var provider string
		var sess SessionSnapshot
		if err := rows.Scan(&provider, &sess.SessionID, &sess.Turns, &sess.EstimatedTokens, &sess.MaxContext); err != nil {
			return snap, fmt.Errorf("scan session: %w", err)
		}
		snap.Sessions[provider] = sess
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate sessions: %w", err)
	}

	for provider, sess := range snap.Sessions {
		msgs, err := s.loadMessages(provider)
		if err != nil {
			return snap, err
		}
		sess.Messages = msgs
		snap.Sessions[provider] = sess
	}
	return snap, nil
}

// loadMessages returns the most recent MaxMessages entries in order.
func (s *Store) loadMessages(provider string) ([]MessageSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, type, text, timestamp, model FROM (
			SELECT seq, id, type, text, timestamp, model
			FROM messages WHERE provider = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, provider, MaxMessages)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", provider, err)
	}
	defer rows.Close()

	var msgs []MessageSnapshot
	for rows.Next() {
		var m MessageSnapshot
		if err := rows.Scan(&m.ID, &m.Type, &m.Text, &m.Timestamp, &m.Model); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
