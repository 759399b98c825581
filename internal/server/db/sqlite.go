package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Enable foreign key enforcement (off by default in SQLite)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS secret_tags (
			tag_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			salt BLOB NOT NULL,
			verifier BLOB NOT NULL,
			oprf_seed BLOB NOT NULL,
			envelope BLOB NOT NULL,
			server_public_key BLOB NOT NULL,
			tag_name TEXT NOT NULL,
			color_code TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_secret_tags_user ON secret_tags(user_id)`,
		`CREATE TABLE IF NOT EXISTS wrapped_keys (
			id TEXT PRIMARY KEY,
			tag_id TEXT NOT NULL REFERENCES secret_tags(tag_id) ON DELETE CASCADE,
			vault_id TEXT NOT NULL,
			purpose TEXT NOT NULL,
			wrapped_key BLOB NOT NULL,
			algorithm TEXT NOT NULL DEFAULT 'AES-KW',
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			UNIQUE (tag_id, purpose)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wrapped_keys_vault ON wrapped_keys(vault_id)`,
		`CREATE TABLE IF NOT EXISTS vault_blobs (
			vault_id TEXT NOT NULL,
			object_id TEXT NOT NULL,
			wrapped_key_id TEXT NOT NULL REFERENCES wrapped_keys(id) ON DELETE CASCADE,
			iv BLOB NOT NULL,
			ciphertext BLOB NOT NULL,
			auth_tag BLOB NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			content_size INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (vault_id, object_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tag_id TEXT NOT NULL DEFAULT '',
			token_hash TEXT UNIQUE,
			state TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			session_data TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS opaque_records (
			user_id TEXT PRIMARY KEY,
			envelope BLOB NOT NULL,
			verifier BLOB NOT NULL,
			oprf_seed BLOB NOT NULL,
			salt BLOB NOT NULL,
			server_public_key BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
