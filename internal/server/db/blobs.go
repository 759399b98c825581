package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var ErrBlobDuplicate = errors.New("vault object already exists")

// BlobFilter narrows and orders a vault listing. Zero time bounds are
// ignored; OrderBy must already be validated against the whitelist by the
// caller.
type BlobFilter struct {
	ContentType   string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	OrderBy       string
	Descending    bool
	Offset        int
	Limit         int
}

// BlobStats aggregates a vault's contents.
type BlobStats struct {
	Count        int64            `json:"count"`
	StoredBytes  int64            `json:"stored_bytes"`
	ContentBytes int64            `json:"content_bytes"`
	ByType       map[string]int64 `json:"by_content_type"`
	OldestAt     *time.Time       `json:"oldest_at,omitempty"`
	NewestAt     *time.Time       `json:"newest_at,omitempty"`
}

// InsertBlob stores a new encrypted object.
func (s *Store) InsertBlob(b *VaultBlob) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = b.CreatedAt

	_, err := s.db.Exec(
		`INSERT INTO vault_blobs (vault_id, object_id, wrapped_key_id, iv, ciphertext, auth_tag, content_type, content_size, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.VaultID, b.ObjectID, b.WrappedKeyID, b.IV, b.Ciphertext, b.AuthTag,
		b.ContentType, b.ContentSize, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return ErrBlobDuplicate
		}
		return fmt.Errorf("insert vault blob: %w", err)
	}
	return nil
}

// GetBlob retrieves one object including its ciphertext.
func (s *Store) GetBlob(vaultID, objectID string) (*VaultBlob, error) {
	b := &VaultBlob{}
	err := s.db.QueryRow(
		`SELECT vault_id, object_id, wrapped_key_id, iv, ciphertext, auth_tag, content_type, content_size, created_at, updated_at
		 FROM vault_blobs WHERE vault_id = ? AND object_id = ?`, vaultID, objectID,
	).Scan(&b.VaultID, &b.ObjectID, &b.WrappedKeyID, &b.IV, &b.Ciphertext, &b.AuthTag,
		&b.ContentType, &b.ContentSize, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vault blob: %w", err)
	}
	return b, nil
}

// ListBlobs returns object metadata (no ciphertext) matching the filter.
func (s *Store) ListBlobs(vaultID string, f BlobFilter) ([]VaultBlob, error) {
	query := `SELECT vault_id, object_id, wrapped_key_id, content_type, content_size, created_at, updated_at
		 FROM vault_blobs WHERE vault_id = ?`
	args := []any{vaultID}

	if f.ContentType != "" {
		query += ` AND content_type = ?`
		args = append(args, f.ContentType)
	}
	if !f.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.CreatedAfter.UTC())
	}
	if !f.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, f.CreatedBefore.UTC())
	}

	order := f.OrderBy
	if order == "" {
		order = "created_at"
	}
	query += ` ORDER BY ` + order
	if f.Descending {
		query += ` DESC`
	}
	// Tie-break on object_id for stable pagination.
	query += `, object_id`

	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list vault blobs: %w", err)
	}
	defer rows.Close()

	var blobs []VaultBlob
	for rows.Next() {
		var b VaultBlob
		if err := rows.Scan(&b.VaultID, &b.ObjectID, &b.WrappedKeyID, &b.ContentType, &b.ContentSize, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan vault blob: %w", err)
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

// DeleteBlob removes one object. Returns true if a row was deleted.
func (s *Store) DeleteBlob(vaultID, objectID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM vault_blobs WHERE vault_id = ? AND object_id = ?`, vaultID, objectID)
	if err != nil {
		return false, fmt.Errorf("delete vault blob: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetBlobStats aggregates counts, sizes, and the content-type breakdown
// for one vault.
func (s *Store) GetBlobStats(vaultID string) (*BlobStats, error) {
	stats := &BlobStats{ByType: make(map[string]int64)}

	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(ciphertext) + LENGTH(iv) + LENGTH(auth_tag)), 0), COALESCE(SUM(content_size), 0)
		 FROM vault_blobs WHERE vault_id = ?`, vaultID,
	).Scan(&stats.Count, &stats.StoredBytes, &stats.ContentBytes)
	if err != nil {
		return nil, fmt.Errorf("aggregate vault stats: %w", err)
	}

	// MIN()/MAX() strip the column's declared type, so the driver hands
	// the timestamps back as strings. Plain column selects keep them
	// scannable as time.Time.
	if stats.Count > 0 {
		var oldest, newest time.Time
		err = s.db.QueryRow(
			`SELECT created_at FROM vault_blobs WHERE vault_id = ? ORDER BY created_at ASC LIMIT 1`, vaultID,
		).Scan(&oldest)
		if err != nil {
			return nil, fmt.Errorf("oldest vault blob: %w", err)
		}
		err = s.db.QueryRow(
			`SELECT created_at FROM vault_blobs WHERE vault_id = ? ORDER BY created_at DESC LIMIT 1`, vaultID,
		).Scan(&newest)
		if err != nil {
			return nil, fmt.Errorf("newest vault blob: %w", err)
		}
		stats.OldestAt = &oldest
		stats.NewestAt = &newest
	}

	rows, err := s.db.Query(
		`SELECT content_type, COUNT(*) FROM vault_blobs WHERE vault_id = ? GROUP BY content_type`, vaultID,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate content types: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ct string
		var n int64
		if err := rows.Scan(&ct, &n); err != nil {
			return nil, fmt.Errorf("scan content type count: %w", err)
		}
		stats.ByType[ct] = n
	}
	return stats, rows.Err()
}
