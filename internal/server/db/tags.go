package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/noteriver/tagvault/internal/opaque"
)

var ErrTagDuplicate = errors.New("secret tag already exists")

// CreateTag inserts a secret tag together with its initial wrapped key and
// the finalized authentication record in one transaction, so
// registration-finalize is atomic: a duplicate tag rolls back the record
// upsert and leaves any prior registration's record intact. rec may be nil
// when the caller manages the record separately.
func (s *Store) CreateTag(tag *SecretTag, wk *WrappedKey, rec *opaque.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = now
	}
	tag.UpdatedAt = tag.CreatedAt

	_, err = tx.Exec(
		`INSERT INTO secret_tags (tag_id, user_id, salt, verifier, oprf_seed, envelope, server_public_key, tag_name, color_code, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tag.TagID, tag.UserID, tag.Salt, tag.Verifier, tag.OprfSeed, tag.Envelope,
		tag.ServerPublicKey, tag.TagName, tag.ColorCode, tag.CreatedAt, tag.UpdatedAt,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return ErrTagDuplicate
		}
		return fmt.Errorf("insert secret tag: %w", err)
	}

	if wk != nil {
		if wk.CreatedAt.IsZero() {
			wk.CreatedAt = now
		}
		_, err = tx.Exec(
			`INSERT INTO wrapped_keys (id, tag_id, vault_id, purpose, wrapped_key, algorithm, version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			wk.ID, wk.TagID, wk.VaultID, wk.Purpose, wk.WrappedKey, wk.Algorithm, wk.Version, wk.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert wrapped key: %w", err)
		}
	}

	if rec != nil {
		if err := upsertOpaqueRecord(context.Background(), tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetTag retrieves a secret tag by its hex-encoded id.
func (s *Store) GetTag(tagID string) (*SecretTag, error) {
	t := &SecretTag{}
	err := s.db.QueryRow(
		`SELECT tag_id, user_id, salt, verifier, oprf_seed, envelope, server_public_key, tag_name, color_code, created_at, updated_at
		 FROM secret_tags WHERE tag_id = ?`, tagID,
	).Scan(&t.TagID, &t.UserID, &t.Salt, &t.Verifier, &t.OprfSeed, &t.Envelope,
		&t.ServerPublicKey, &t.TagName, &t.ColorCode, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret tag: %w", err)
	}
	return t, nil
}

// ListTagsByUser returns the user's tags ordered by creation time.
func (s *Store) ListTagsByUser(userID string) ([]SecretTag, error) {
	rows, err := s.db.Query(
		`SELECT tag_id, user_id, tag_name, color_code, created_at, updated_at
		 FROM secret_tags WHERE user_id = ? ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list secret tags: %w", err)
	}
	defer rows.Close()

	var tags []SecretTag
	for rows.Next() {
		var t SecretTag
		if err := rows.Scan(&t.TagID, &t.UserID, &t.TagName, &t.ColorCode, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// UpdateTagMeta updates display metadata only (name and color). Returns
// true if a row was updated.
func (s *Store) UpdateTagMeta(tagID, tagName, colorCode string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE secret_tags SET tag_name = ?, color_code = ?, updated_at = ? WHERE tag_id = ?`,
		tagName, colorCode, time.Now().UTC(), tagID,
	)
	if err != nil {
		return false, fmt.Errorf("update secret tag: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteTag deletes a secret tag; wrapped keys and vault blobs cascade.
func (s *Store) DeleteTag(tagID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM secret_tags WHERE tag_id = ?`, tagID)
	if err != nil {
		return false, fmt.Errorf("delete secret tag: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
