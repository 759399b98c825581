package db

import (
	"database/sql"
	"fmt"
)

// GetWrappedKeysByTag returns all wrapped keys for a tag, keyed by purpose
// at the call site.
func (s *Store) GetWrappedKeysByTag(tagID string) ([]WrappedKey, error) {
	rows, err := s.db.Query(
		`SELECT id, tag_id, vault_id, purpose, wrapped_key, algorithm, version, created_at
		 FROM wrapped_keys WHERE tag_id = ? ORDER BY purpose`, tagID,
	)
	if err != nil {
		return nil, fmt.Errorf("list wrapped keys: %w", err)
	}
	defer rows.Close()

	var keys []WrappedKey
	for rows.Next() {
		var k WrappedKey
		if err := rows.Scan(&k.ID, &k.TagID, &k.VaultID, &k.Purpose, &k.WrappedKey, &k.Algorithm, &k.Version, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wrapped key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetWrappedKeyByVault returns the active wrapped data key for a vault.
func (s *Store) GetWrappedKeyByVault(vaultID string) (*WrappedKey, error) {
	k := &WrappedKey{}
	err := s.db.QueryRow(
		`SELECT id, tag_id, vault_id, purpose, wrapped_key, algorithm, version, created_at
		 FROM wrapped_keys WHERE vault_id = ?`, vaultID,
	).Scan(&k.ID, &k.TagID, &k.VaultID, &k.Purpose, &k.WrappedKey, &k.Algorithm, &k.Version, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wrapped key: %w", err)
	}
	return k, nil
}

// GetVaultOwner resolves a vault to its owning tag and user. Returns
// ("", "", nil) when the vault does not exist.
func (s *Store) GetVaultOwner(vaultID string) (tagID, userID string, err error) {
	err = s.db.QueryRow(
		`SELECT wk.tag_id, st.user_id
		 FROM wrapped_keys wk JOIN secret_tags st ON st.tag_id = wk.tag_id
		 WHERE wk.vault_id = ?`, vaultID,
	).Scan(&tagID, &userID)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("resolve vault owner: %w", err)
	}
	return tagID, userID, nil
}
