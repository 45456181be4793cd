package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the gateway's sqlite database: transcript capture, push
// subscriptions, and persisted config values (JWT secret).
type Store struct {
	db *sql.DB
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

const schema = `
CREATE TABLE IF NOT EXISTS transcript_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL DEFAULT '',
	payload    BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript_events(session_id, id);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id         TEXT PRIMARY KEY,
	endpoint   TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS gateway_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (and migrates) the database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// TranscriptEvent is one captured upstream event.
type TranscriptEvent struct {
	ID        int64
	SessionID string
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// CaptureTranscript appends one relay payload to the transcript.
func (s *Store) CaptureTranscript(sessionID, eventType string, payload []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO transcript_events (session_id, event_type, payload) VALUES (?, ?, ?)",
		sessionID, eventType, payload)
	return err
}

// ListTranscript returns up to limit most recent events for a session, oldest first.
func (s *Store) ListTranscript(sessionID string, limit int) ([]TranscriptEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, event_type, payload, created_at FROM (
			SELECT id, session_id, event_type, payload, created_at
			FROM transcript_events WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TranscriptEvent
	for rows.Next() {
		var ev TranscriptEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneTranscript deletes transcript rows older than the cutoff.
func (s *Store) PruneTranscript(before time.Time) error {
	_, err := s.db.Exec("DELETE FROM transcript_events WHERE created_at < ?", before)
	return err
}

// PushSubscription is one browser push endpoint.
type PushSubscription struct {
	ID       string
	Endpoint string
}

// AddPushSubscription registers an endpoint. Re-registering the same endpoint
// keeps the existing row.
func (s *Store) AddPushSubscription(id, endpoint string) error {
	_, err := s.db.Exec(
		"INSERT INTO push_subscriptions (id, endpoint) VALUES (?, ?) ON CONFLICT(endpoint) DO NOTHING",
		id, endpoint)
	return err
}

// ListPushSubscriptions returns all registered endpoints.
func (s *Store) ListPushSubscriptions() ([]PushSubscription, error) {
	rows, err := s.db.Query("SELECT id, endpoint FROM push_subscriptions ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(&sub.ID, &sub.Endpoint); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// DeletePushSubscription removes an endpoint by id.
func (s *Store) DeletePushSubscription(id string) error {
	_, err := s.db.Exec("DELETE FROM push_subscriptions WHERE id = ?", id)
	return err
}

// GetConfig returns a persisted config value, or "" when unset.
func (s *Store) GetConfig(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM gateway_config WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return val, err
}

// SetConfig stores a config value.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO gateway_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}
