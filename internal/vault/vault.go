// Package vault mediates access to tag-scoped encrypted blob storage.
// Every operation verifies vault ownership against the calling user before
// touching rows, and re-checks it on the fetched row rather than trusting
// the query filter alone.
package vault

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noteriver/tagvault/internal/server/db"
)

const (
	// MaxBlobSize is the ciphertext ceiling per object (100 MiB).
	MaxBlobSize = 100 << 20

	IVLen      = 12
	AuthTagLen = 16

	defaultLimit = 50
	maxLimit     = 500
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("object not found")
)

// orderFields is the whitelist for list ordering.
var orderFields = map[string]bool{
	"created_at":   true,
	"updated_at":   true,
	"content_size": true,
	"content_type": true,
	"object_id":    true,
}

// Store gates blob I/O on vault ownership.
type Store struct {
	db *db.Store
}

func NewStore(store *db.Store) *Store {
	return &Store{db: store}
}

// UploadRequest carries one encrypted object.
type UploadRequest struct {
	ObjectID    string
	IV          []byte
	Ciphertext  []byte
	AuthTag     []byte
	ContentType string
	ContentSize int64
}

// ListRequest narrows and pages a listing.
type ListRequest struct {
	ContentType   string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	OrderBy       string
	Descending    bool
	Offset        int
	Limit         int
}

// ListResult is one stable page of object metadata.
type ListResult struct {
	Objects    []db.VaultBlob `json:"objects"`
	HasMore    bool           `json:"has_more"`
	NextOffset int            `json:"next_offset"`
}

// checkOwnership resolves the vault's owner and compares it to the caller.
// The tag id is returned for callers that need the owning tag.
func (s *Store) checkOwnership(userID, vaultID string) (string, error) {
	tagID, ownerID, err := s.db.GetVaultOwner(vaultID)
	if err != nil {
		return "", err
	}
	if tagID == "" || ownerID != userID {
		// Unknown vaults and foreign vaults are indistinguishable.
		return "", ErrAccessDenied
	}
	return tagID, nil
}

// Upload stores a new encrypted object in the vault. A missing object id
// is generated.
func (s *Store) Upload(userID, vaultID string, req *UploadRequest) (*db.VaultBlob, error) {
	if _, err := s.checkOwnership(userID, vaultID); err != nil {
		return nil, err
	}

	if len(req.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext is empty", ErrInvalidInput)
	}
	if len(req.Ciphertext) > MaxBlobSize {
		return nil, fmt.Errorf("%w: ciphertext exceeds %d bytes", ErrInvalidInput, MaxBlobSize)
	}
	if len(req.IV) != IVLen {
		return nil, fmt.Errorf("%w: iv must be exactly %d bytes", ErrInvalidInput, IVLen)
	}
	if len(req.AuthTag) != AuthTagLen {
		return nil, fmt.Errorf("%w: auth tag must be exactly %d bytes", ErrInvalidInput, AuthTagLen)
	}

	wk, err := s.db.GetWrappedKeyByVault(vaultID)
	if err != nil {
		return nil, err
	}
	if wk == nil {
		return nil, ErrAccessDenied
	}

	objectID := req.ObjectID
	if objectID == "" {
		objectID = uuid.NewString()
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	contentSize := req.ContentSize
	if contentSize <= 0 {
		contentSize = int64(len(req.Ciphertext))
	}

	blob := &db.VaultBlob{
		VaultID:      vaultID,
		ObjectID:     objectID,
		WrappedKeyID: wk.ID,
		IV:           req.IV,
		Ciphertext:   req.Ciphertext,
		AuthTag:      req.AuthTag,
		ContentType:  contentType,
		ContentSize:  contentSize,
	}
	if err := s.db.InsertBlob(blob); err != nil {
		return nil, err
	}
	return blob, nil
}

// Download fetches one object. Ownership is re-verified against the
// fetched row.
func (s *Store) Download(userID, vaultID, objectID string) (*db.VaultBlob, error) {
	if _, err := s.checkOwnership(userID, vaultID); err != nil {
		return nil, err
	}

	blob, err := s.db.GetBlob(vaultID, objectID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrNotFound
	}
	if blob.VaultID != vaultID {
		return nil, ErrAccessDenied
	}
	return blob, nil
}

// List returns one page of object metadata.
func (s *Store) List(userID, vaultID string, req *ListRequest) (*ListResult, error) {
	if _, err := s.checkOwnership(userID, vaultID); err != nil {
		return nil, err
	}

	orderBy := req.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	if !orderFields[orderBy] {
		return nil, fmt.Errorf("%w: cannot order by %q", ErrInvalidInput, orderBy)
	}
	if req.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrInvalidInput)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	// Fetch one extra row to decide has_more without a second count query.
	blobs, err := s.db.ListBlobs(vaultID, db.BlobFilter{
		ContentType:   strings.TrimSpace(req.ContentType),
		CreatedAfter:  req.CreatedAfter,
		CreatedBefore: req.CreatedBefore,
		OrderBy:       orderBy,
		Descending:    req.Descending,
		Offset:        req.Offset,
		Limit:         limit + 1,
	})
	if err != nil {
		return nil, err
	}

	result := &ListResult{Objects: blobs, NextOffset: req.Offset + len(blobs)}
	if len(blobs) > limit {
		result.Objects = blobs[:limit]
		result.HasMore = true
		result.NextOffset = req.Offset + limit
	}
	if result.Objects == nil {
		result.Objects = []db.VaultBlob{}
	}
	return result, nil
}

// Delete removes one object.
func (s *Store) Delete(userID, vaultID, objectID string) error {
	if _, err := s.checkOwnership(userID, vaultID); err != nil {
		return err
	}
	ok, err := s.db.DeleteBlob(vaultID, objectID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Stats aggregates the vault's contents.
func (s *Store) Stats(userID, vaultID string) (*db.BlobStats, error) {
	if _, err := s.checkOwnership(userID, vaultID); err != nil {
		return nil, err
	}
	return s.db.GetBlobStats(vaultID)
}
