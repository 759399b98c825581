package client

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/noteriver/tagvault/internal/blobcrypt"
)

func randomObjectID() string { return uuid.NewString() }

// ObjectMeta is the metadata the server returns for one vault object.
type ObjectMeta struct {
	VaultID     string    `json:"vault_id"`
	ObjectID    string    `json:"object_id"`
	ContentType string    `json:"content_type"`
	ContentSize int64     `json:"content_size"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListPage is one page of a vault listing.
type ListPage struct {
	Objects    []ObjectMeta `json:"objects"`
	HasMore    bool         `json:"has_more"`
	NextOffset int          `json:"next_offset"`
}

// VaultStats mirrors the server's per-vault aggregate.
type VaultStats struct {
	Count        int64            `json:"count"`
	StoredBytes  int64            `json:"stored_bytes"`
	ContentBytes int64            `json:"content_bytes"`
	ByType       map[string]int64 `json:"by_content_type"`
}

type downloadResponse struct {
	ObjectID    string `json:"object_id"`
	IV          string `json:"iv"`
	Ciphertext  string `json:"ciphertext"`
	AuthTag     string `json:"auth_tag"`
	ContentType string `json:"content_type"`
}

// Put encrypts plaintext locally and uploads it. Returns the object id.
func (c *Client) Put(dataKey []byte, vaultID, objectID, contentType string, plaintext []byte) (string, error) {
	if objectID == "" {
		// The server would generate one, but the ciphertext must be bound
		// to the final object id, so the client picks it.
		objectID = randomObjectID()
	}

	sealed, err := blobcrypt.Seal(dataKey, vaultID, objectID, plaintext)
	if err != nil {
		return "", err
	}

	var meta ObjectMeta
	err = c.do("POST", "/v1/vaults/"+url.PathEscape(vaultID)+"/blobs", map[string]any{
		"object_id":    objectID,
		"iv":           base64.StdEncoding.EncodeToString(sealed.IV),
		"ciphertext":   base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		"auth_tag":     base64.StdEncoding.EncodeToString(sealed.AuthTag),
		"content_type": contentType,
		"content_size": len(plaintext),
	}, &meta)
	if err != nil {
		return "", err
	}
	return meta.ObjectID, nil
}

// Get downloads one object and decrypts it locally.
func (c *Client) Get(dataKey []byte, vaultID, objectID string) ([]byte, string, error) {
	var resp downloadResponse
	path := "/v1/vaults/" + url.PathEscape(vaultID) + "/blobs/" + url.PathEscape(objectID)
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, "", err
	}

	iv, err := base64.StdEncoding.DecodeString(resp.IV)
	if err != nil {
		return nil, "", fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(resp.Ciphertext)
	if err != nil {
		return nil, "", fmt.Errorf("decode ciphertext: %w", err)
	}
	authTag, err := base64.StdEncoding.DecodeString(resp.AuthTag)
	if err != nil {
		return nil, "", fmt.Errorf("decode auth tag: %w", err)
	}

	plaintext, err := blobcrypt.Open(dataKey, vaultID, objectID, &blobcrypt.Sealed{
		IV:         iv,
		Ciphertext: ciphertext,
		AuthTag:    authTag,
	})
	if err != nil {
		return nil, "", err
	}
	return plaintext, resp.ContentType, nil
}

// List fetches one page of object metadata.
func (c *Client) List(vaultID string, offset, limit int) (*ListPage, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/v1/vaults/" + url.PathEscape(vaultID) + "/blobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page ListPage
	if err := c.do("GET", path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Delete removes one object.
func (c *Client) Delete(vaultID, objectID string) error {
	path := "/v1/vaults/" + url.PathEscape(vaultID) + "/blobs/" + url.PathEscape(objectID)
	return c.do("DELETE", path, nil, nil)
}

// Stats fetches the vault aggregate.
func (c *Client) Stats(vaultID string) (*VaultStats, error) {
	var stats VaultStats
	if err := c.do("GET", "/v1/vaults/"+url.PathEscape(vaultID)+"/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Sessions lists the caller's sessions.
func (c *Client) Sessions() ([]map[string]any, error) {
	var resp struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if err := c.do("GET", "/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Logout invalidates the client's bearer token.
func (c *Client) Logout() (bool, error) {
	var resp struct {
		Invalidated bool `json:"invalidated"`
	}
	err := c.do("POST", "/v1/sessions/invalidate", map[string]string{"session_token": c.Token}, &resp)
	if err != nil {
		return false, err
	}
	c.Token = ""
	return resp.Invalidated, nil
}
