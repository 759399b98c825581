package handler

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noteriver/tagvault/internal/audit"
	"github.com/noteriver/tagvault/internal/vault"
)

type uploadBlobRequest struct {
	ObjectID    string `json:"object_id"`
	IV          string `json:"iv" binding:"required"`
	Ciphertext  string `json:"ciphertext" binding:"required"`
	AuthTag     string `json:"auth_tag" binding:"required"`
	ContentType string `json:"content_type"`
	ContentSize int64  `json:"content_size"`
}

// vaultError maps vault-layer failures to responses. Unknown and foreign
// vaults share one response.
func vaultError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vault.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	case errors.Is(err, vault.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
	case errors.Is(err, vault.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// HandleUploadBlob handles POST /v1/vaults/:id/blobs.
func HandleUploadBlob(vs *vault.Store, trail *audit.Trail, metrics Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := SessionFromContext(c)
		vaultID := c.Param("id")

		var req uploadBlobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		iv, ok := decodeB64(req.IV, vault.IVLen)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "iv must be 12 base64-encoded bytes"})
			return
		}
		authTag, ok := decodeB64(req.AuthTag, vault.AuthTagLen)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "auth_tag must be 16 base64-encoded bytes"})
			return
		}
		ciphertext, ok := decodeB64(req.Ciphertext, 0)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ciphertext must be valid base64"})
			return
		}

		blob, err := vs.Upload(sess.UserID, vaultID, &vault.UploadRequest{
			ObjectID:    req.ObjectID,
			IV:          iv,
			Ciphertext:  ciphertext,
			AuthTag:     authTag,
			ContentType: req.ContentType,
			ContentSize: req.ContentSize,
		})
		if err != nil {
			vaultError(c, err)
			return
		}

		metrics.BlobUploaded(len(ciphertext))
		trail.Record(audit.Entry{
			Event:    audit.EventVaultUpload,
			UserID:   sess.UserID,
			VaultID:  vaultID,
			ObjectID: blob.ObjectID,
			Outcome:  "ok",
		})
		c.JSON(http.StatusCreated, blob)
	}
}

// HandleDownloadBlob handles GET /v1/vaults/:id/blobs/:oid.
func HandleDownloadBlob(vs *vault.Store, trail *audit.Trail) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := SessionFromContext(c)
		vaultID, objectID := c.Param("id"), c.Param("oid")

		blob, err := vs.Download(sess.UserID, vaultID, objectID)
		if err != nil {
			vaultError(c, err)
			return
		}

		trail.Record(audit.Entry{
			Event:    audit.EventVaultDownload,
			UserID:   sess.UserID,
			VaultID:  vaultID,
			ObjectID: objectID,
			Outcome:  "ok",
		})
		c.JSON(http.StatusOK, gin.H{
			"vault_id":     blob.VaultID,
			"object_id":    blob.ObjectID,
			"iv":           base64.StdEncoding.EncodeToString(blob.IV),
			"ciphertext":   base64.StdEncoding.EncodeToString(blob.Ciphertext),
			"auth_tag":     base64.StdEncoding.EncodeToString(blob.AuthTag),
			"content_type": blob.ContentType,
			"content_size": blob.ContentSize,
			"created_at":   blob.CreatedAt,
		})
	}
}

// HandleListBlobs handles GET /v1/vaults/:id/blobs.
func HandleListBlobs(vs *vault.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := SessionFromContext(c)
		vaultID := c.Param("id")

		req := &vault.ListRequest{
			ContentType: c.Query("content_type"),
			OrderBy:     c.Query("order_by"),
			Descending:  c.Query("desc") == "true",
		}
		if v := c.Query("created_after"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "created_after must be RFC 3339"})
				return
			}
			req.CreatedAfter = t
		}
		if v := c.Query("created_before"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "created_before must be RFC 3339"})
				return
			}
			req.CreatedBefore = t
		}
		if v := c.Query("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
				return
			}
			req.Offset = n
		}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			req.Limit = n
		}

		result, err := vs.List(sess.UserID, vaultID, req)
		if err != nil {
			vaultError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// HandleDeleteBlob handles DELETE /v1/vaults/:id/blobs/:oid.
func HandleDeleteBlob(vs *vault.Store, trail *audit.Trail) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := SessionFromContext(c)
		vaultID, objectID := c.Param("id"), c.Param("oid")

		if err := vs.Delete(sess.UserID, vaultID, objectID); err != nil {
			vaultError(c, err)
			return
		}

		trail.Record(audit.Entry{
			Event:    audit.EventVaultDelete,
			UserID:   sess.UserID,
			VaultID:  vaultID,
			ObjectID: objectID,
			Outcome:  "ok",
		})
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// HandleVaultStats handles GET /v1/vaults/:id/stats.
func HandleVaultStats(vs *vault.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := SessionFromContext(c)

		stats, err := vs.Stats(sess.UserID, c.Param("id"))
		if err != nil {
			vaultError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
