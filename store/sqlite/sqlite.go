// Package sqlite is a MessageStore on SQLite (WAL mode).
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/openmesh/meshchat-go/store"
)

// Compile-time assertion that Store implements store.MessageStore.
var _ store.MessageStore = (*Store)(nil)

// Store wraps *sql.DB with the message schema.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	// One writer; WAL still allows concurrent readers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(ddlMessages); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    contact_id TEXT    NOT NULL,
    sender_id  TEXT    NOT NULL DEFAULT '',
    text       TEXT    NOT NULL,
    timestamp  INTEGER NOT NULL,          -- Unix milliseconds
    sent       INTEGER NOT NULL DEFAULT 0,
    status     TEXT    NOT NULL,          -- pending | sent | delivered | failed
    emergency  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_contact_ts ON messages (contact_id, timestamp);
`

func (s *Store) Append(m store.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, contact_id, sender_id, text, timestamp, sent, status, emergency)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ContactID, m.SenderID, m.Text, m.Timestamp, m.Sent, string(m.Status), m.Emergency,
	)
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("sqlite: append %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) UpdateStatus(id string, status store.Status) error {
	res, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("sqlite: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectColumns = `id, contact_id, sender_id, text, timestamp, sent, status, emergency`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (store.Message, error) {
	var (
		m      store.Message
		status string
	)
	err := row.Scan(&m.ID, &m.ContactID, &m.SenderID, &m.Text, &m.Timestamp, &m.Sent, &status, &m.Emergency)
	m.Status = store.Status(status)
	return m, err
}

func (s *Store) Get(id string) (store.Message, error) {
	m, err := scanMessage(s.db.QueryRow(`SELECT `+selectColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, store.ErrNotFound
	}
	if err != nil {
		return store.Message{}, fmt.Errorf("sqlite: get %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) List(contactID string, since int64, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.Query(
		`SELECT `+selectColumns+` FROM messages
		 WHERE contact_id = ? AND timestamp > ?
		 ORDER BY timestamp ASC, seq ASC
		 LIMIT ?`,
		contactID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s: %w", contactID, err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list %s: %w", contactID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Contacts() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT contact_id FROM messages ORDER BY contact_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: contacts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: contacts: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}
