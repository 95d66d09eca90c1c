// Package credstore holds the bearer credential for each profile. Tokens are
// issued by the trip platform's auth flow and opaque to this client; the
// store is the only thing persisted across restarts.
package credstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no credential is stored for a profile.
var ErrNotFound = errors.New("credential not found")

// Store wraps the SQLite credential database.
type Store struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping credential db: %w", err)
	}
	return &Store{db}, nil
}

// Credential returns the stored bearer token for a profile.
func (s *Store) Credential(profile string) (string, error) {
	var token string
	err := s.QueryRow(`SELECT token FROM credentials WHERE profile = ?`, profile).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return token, nil
}

// SetCredential stores or replaces the bearer token for a profile.
func (s *Store) SetCredential(profile, token string) error {
	_, err := s.Exec(`
		INSERT INTO credentials (profile, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(profile) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		profile, token, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the stored token for a profile.
func (s *Store) DeleteCredential(profile string) error {
	_, err := s.Exec(`DELETE FROM credentials WHERE profile = ?`, profile)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
