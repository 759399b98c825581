package handler

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/noteriver/tagvault/internal/audit"
	"github.com/noteriver/tagvault/internal/ctime"
	"github.com/noteriver/tagvault/internal/keywrap"
	"github.com/noteriver/tagvault/internal/logx"
	"github.com/noteriver/tagvault/internal/opaque"
	"github.com/noteriver/tagvault/internal/server/db"
)

const (
	tagIDHexLen = 32

	// vaultKeyPurpose names the one wrapped key every tag starts with.
	vaultKeyPurpose = "vault-data"
	wrapAlgorithm   = "A256KW"
)

var colorCodeRe = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

type registerStartRequest struct {
	TagID           string `json:"tag_id" binding:"required"`
	BlindedElement  string `json:"blinded_element" binding:"required"`
	ClientPublicKey string `json:"client_public_key" binding:"required"`
}

type registerTagRequest struct {
	OpaqueEnvelope string `json:"opaque_envelope" binding:"required"`
	VerifierKv     string `json:"verifier_kv" binding:"required"`
	Salt           string `json:"salt" binding:"required"`
	TagName        string `json:"tag_name" binding:"required"`
	ColorCode      string `json:"color_code" binding:"required"`
}

type updateTagRequest struct {
	TagName   string `json:"tag_name"`
	ColorCode string `json:"color_code"`
}

// decodeB64 decodes a base64 field and enforces the exact decoded length.
// wantLen <= 0 skips the length check.
func decodeB64(value string, wantLen int) ([]byte, bool) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, false
	}
	if wantLen > 0 && len(raw) != wantLen {
		return nil, false
	}
	return raw, true
}

func validTagID(id string) bool {
	if len(id) != tagIDHexLen {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// HandleRegisterStart handles POST /v1/opaque/register/start: the first
// registration phase, evaluating the blinded element and returning the
// server public key and salt.
func HandleRegisterStart(opq *opaque.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerStartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if userID(c) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header is required"})
			return
		}
		if !validTagID(req.TagID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tag_id must be 32 hex characters"})
			return
		}
		blinded, ok := decodeB64(req.BlindedElement, opaque.ElementLen)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "blinded_element must be 32 base64-encoded bytes"})
			return
		}
		clientPub, ok := decodeB64(req.ClientPublicKey, opaque.KeyLen)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "client_public_key must be 32 base64-encoded bytes"})
			return
		}

		resp, err := opq.StartRegistration(c.Request.Context(), req.TagID, blinded, clientPub)
		if err != nil {
			if errors.Is(err, opaque.ErrInvalidInput) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"evaluated_element": base64.StdEncoding.EncodeToString(resp.EvaluatedElement),
			"server_public_key": base64.StdEncoding.EncodeToString(resp.ServerPublicKey),
			"salt":              base64.StdEncoding.EncodeToString(resp.Salt),
		})
	}
}

// HandleRegisterTag handles POST /v1/secret-tags/register: the second
// registration phase. The envelope's leading 16 bytes carry the tag id;
// the server finalizes the pending registration, wraps a fresh vault data
// key under the verifier, and writes the tag row, default wrapped key, and
// authentication record in one transaction.
func HandleRegisterTag(store *db.Store, opq *opaque.Server, trail *audit.Trail) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerTagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		uid := userID(c)
		if uid == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header is required"})
			return
		}

		envelope, ok := decodeB64(req.OpaqueEnvelope, 0)
		if !ok || len(envelope) <= 16 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "opaque_envelope must be base64-encoded and longer than 16 bytes"})
			return
		}
		verifier, ok := decodeB64(req.VerifierKv, 32)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "verifier_kv must be 32 base64-encoded bytes"})
			return
		}
		salt, ok := decodeB64(req.Salt, 16)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "salt must be 16 base64-encoded bytes"})
			return
		}
		if !colorCodeRe.MatchString(req.ColorCode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "color_code must be #RRGGBB"})
			return
		}

		tagID := hex.EncodeToString(envelope[:16])

		rec, err := opq.FinalizeRegistration(tagID, envelope, verifier)
		if err != nil {
			switch {
			case errors.Is(err, opaque.ErrNoRegistrationInProgress):
				c.JSON(http.StatusBadRequest, gin.H{"error": "no registration in progress"})
			case errors.Is(err, opaque.ErrInvalidInput):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		if !ctime.Equal(salt, rec.Salt) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "salt does not match the pending registration"})
			return
		}

		dataKey, err := keywrap.GenerateDataKey(32)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		wrapped, err := keywrap.Wrap(verifier, dataKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		tag := &db.SecretTag{
			TagID:           tagID,
			UserID:          uid,
			Salt:            salt,
			Verifier:        verifier,
			OprfSeed:        rec.OprfSeed,
			Envelope:        envelope,
			ServerPublicKey: rec.ServerPublicKey,
			TagName:         req.TagName,
			ColorCode:       req.ColorCode,
		}
		wk := &db.WrappedKey{
			ID:         uuid.NewString(),
			TagID:      tagID,
			VaultID:    uuid.NewString(),
			Purpose:    vaultKeyPurpose,
			WrappedKey: wrapped,
			Algorithm:  wrapAlgorithm,
			Version:    1,
		}

		// The authentication record rides in the tag's transaction, so a
		// duplicate registration cannot clobber the existing tag's record.
		if err := store.CreateTag(tag, wk, rec); err != nil {
			if errors.Is(err, db.ErrTagDuplicate) {
				c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
				return
			}
			logx.Errorf("register tag %s: %v", tagID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		opq.CommitRegistration(tagID)

		trail.Record(audit.Entry{
			Event:    audit.EventTagRegister,
			UserID:   uid,
			TagID:    tagID,
			VaultID:  wk.VaultID,
			RemoteIP: c.ClientIP(),
			Outcome:  "ok",
		})

		c.JSON(http.StatusCreated, gin.H{
			"tag_id":     tagID,
			"tag_name":   tag.TagName,
			"color_code": tag.ColorCode,
			"vault_id":   wk.VaultID,
			"created_at": tag.CreatedAt,
			"success":    true,
		})
	}
}

// HandleListTags handles GET /v1/secret-tags.
func HandleListTags(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := SessionFromContext(c)
		tags, err := store.ListTagsByUser(sess.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if tags == nil {
			tags = []db.SecretTag{}
		}
		c.JSON(http.StatusOK, gin.H{"tags": tags})
	}
}

// HandleUpdateTag handles PUT /v1/secret-tags/:id. Only display metadata
// changes; key material is immutable.
func HandleUpdateTag(store *db.Store, trail *audit.Trail) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, ok := ownedTag(c, store)
		if !ok {
			return
		}

		var req updateTagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.TagName == "" && req.ColorCode == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
			return
		}
		name := req.TagName
		if name == "" {
			name = tag.TagName
		}
		color := req.ColorCode
		if color == "" {
			color = tag.ColorCode
		} else if !colorCodeRe.MatchString(color) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "color_code must be #RRGGBB"})
			return
		}

		if _, err := store.UpdateTagMeta(tag.TagID, name, color); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		trail.Record(audit.Entry{
			Event:   audit.EventTagUpdate,
			UserID:  tag.UserID,
			TagID:   tag.TagID,
			Outcome: "ok",
		})
		c.JSON(http.StatusOK, gin.H{"tag_id": tag.TagID, "tag_name": name, "color_code": color, "success": true})
	}
}

// HandleDeleteTag handles DELETE /v1/secret-tags/:id. Deletion cascades
// to the tag's wrapped keys and vault blobs.
func HandleDeleteTag(store *db.Store, trail *audit.Trail) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, ok := ownedTag(c, store)
		if !ok {
			return
		}

		if _, err := store.DeleteTag(tag.TagID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		trail.Record(audit.Entry{
			Event:   audit.EventTagDelete,
			UserID:  tag.UserID,
			TagID:   tag.TagID,
			Outcome: "ok",
		})
		c.JSON(http.StatusOK, gin.H{"tag_id": tag.TagID, "success": true})
	}
}

// ownedTag loads the :id tag and verifies the session user owns it.
// Unknown tags and foreign tags produce the same response.
func ownedTag(c *gin.Context, store *db.Store) (*db.SecretTag, bool) {
	id := c.Param("id")
	if !validTagID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tag_id must be 32 hex characters"})
		return nil, false
	}

	tag, err := store.GetTag(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	sess := SessionFromContext(c)
	if tag == nil || sess == nil || tag.UserID != sess.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return nil, false
	}
	return tag, true
}
