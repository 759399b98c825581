package handler

import (
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noteriver/tagvault/internal/audit"
	"github.com/noteriver/tagvault/internal/ctime"
	"github.com/noteriver/tagvault/internal/logx"
	"github.com/noteriver/tagvault/internal/opaque"
	"github.com/noteriver/tagvault/internal/server/db"
	"github.com/noteriver/tagvault/internal/session"
)

type authInitRequest struct {
	TagID         string `json:"tag_id" binding:"required"`
	ClientMessage string `json:"client_message" binding:"required"`
}

type authFinalizeRequest struct {
	SessionID             string `json:"session_id" binding:"required"`
	ClientFinalizeMessage string `json:"client_finalize_message" binding:"required"`
}

type serverMessage struct {
	EvaluatedElement string `json:"evaluated_element"`
	ServerPublicKey  string `json:"server_public_key"`
	Envelope         string `json:"envelope"`
	Salt             string `json:"salt"`
}

// loginContext carries protocol state between auth-init and auth-finalize.
// Contexts are one-shot: finalize consumes them whether or not the proof
// verifies.
type loginContext struct {
	tagID     string
	expiresAt time.Time
}

type loginContextStore struct {
	mu      sync.Mutex
	entries map[string]loginContext
}

var authLoginContexts = &loginContextStore{
	entries: make(map[string]loginContext),
}

func (s *loginContextStore) put(sessionID, tagID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked(now)
	s.entries[sessionID] = loginContext{tagID: tagID, expiresAt: now.Add(session.AuthInitTTL)}
}

func (s *loginContextStore) consume(sessionID string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked(now)

	entry, ok := s.entries[sessionID]
	if !ok {
		return "", false
	}
	delete(s.entries, sessionID)
	if now.After(entry.expiresAt) {
		return "", false
	}
	return entry.tagID, true
}

func (s *loginContextStore) gcLocked(now time.Time) {
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

// authFailed emits the single generic auth failure response. Every failure
// branch of the auth endpoints funnels through here so the response shape
// never depends on the cause.
func authFailed(c *gin.Context, metrics Metrics) {
	metrics.AuthOutcome("failure")
	c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
}

// HandleAuthInit handles POST /v1/auth/init: the first login phase.
// Unknown tags and malformed client messages produce the same generic
// failure, and every path exits through the timing floor.
func HandleAuthInit(store *db.Store, opq *opaque.Server, mgr *session.Manager, metrics Metrics, floor time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		defer ctime.NormalizeDuration(start, floor)

		var req authInitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			authFailed(c, metrics)
			return
		}
		if !validTagID(req.TagID) {
			authFailed(c, metrics)
			return
		}

		// client_message = blinded_element(32) || client_public_key(32)
		msg, ok := decodeB64(req.ClientMessage, 2*opaque.ElementLen)
		if !ok {
			authFailed(c, metrics)
			return
		}
		blinded, clientPub := msg[:opaque.ElementLen], msg[opaque.ElementLen:]

		resp, err := opq.StartLogin(c.Request.Context(), req.TagID, blinded, clientPub)
		if err != nil {
			logx.Errorf("auth init: %v", err)
			metrics.AuthOutcome("error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if len(resp.EvaluatedElement) == 0 {
			// Unknown principal; the protocol layer already burned the
			// decoy evaluation.
			authFailed(c, metrics)
			return
		}

		tag, err := store.GetTag(req.TagID)
		if err != nil || tag == nil {
			if err != nil {
				logx.Errorf("auth init load tag: %v", err)
			}
			authFailed(c, metrics)
			return
		}

		sess, err := mgr.BeginAuth(tag.UserID, req.TagID, c.GetHeader("User-Agent"), c.ClientIP())
		if err != nil {
			logx.Errorf("auth init begin session: %v", err)
			metrics.AuthOutcome("error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		authLoginContexts.put(sess.ID, req.TagID, time.Now())

		c.JSON(http.StatusOK, gin.H{
			"session_id": sess.ID,
			"server_message": serverMessage{
				EvaluatedElement: base64.StdEncoding.EncodeToString(resp.EvaluatedElement),
				ServerPublicKey:  base64.StdEncoding.EncodeToString(resp.ServerPublicKey),
				Envelope:         base64.StdEncoding.EncodeToString(resp.Envelope),
				Salt:             base64.StdEncoding.EncodeToString(resp.Salt),
			},
			"expires_at": sess.ExpiresAt,
		})
	}
}

// HandleAuthFinalize handles POST /v1/auth/finalize: verifies the login
// proof, promotes the auth session to an authenticated bearer session,
// and returns the tag's wrapped keys.
func HandleAuthFinalize(store *db.Store, opq *opaque.Server, mgr *session.Manager, trail *audit.Trail, metrics Metrics, floor time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		defer ctime.NormalizeDuration(start, floor)

		var req authFinalizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			authFailed(c, metrics)
			return
		}
		proof, ok := decodeB64(req.ClientFinalizeMessage, opaque.KeyLen)
		if !ok {
			authFailed(c, metrics)
			return
		}

		tagID, ok := authLoginContexts.consume(req.SessionID, time.Now())
		if !ok {
			authFailed(c, metrics)
			return
		}

		okProof, _, err := opq.FinishLogin(c.Request.Context(), tagID, proof)
		if err != nil {
			logx.Errorf("auth finalize: %v", err)
			metrics.AuthOutcome("error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !okProof {
			trail.Record(audit.Entry{
				Event:    audit.EventAuthFinalize,
				TagID:    tagID,
				RemoteIP: c.ClientIP(),
				Outcome:  "denied",
			})
			authFailed(c, metrics)
			return
		}

		token, sess, err := mgr.Promote(req.SessionID)
		if err != nil {
			if err == session.ErrSessionInvalid {
				authFailed(c, metrics)
				return
			}
			logx.Errorf("auth finalize promote: %v", err)
			metrics.AuthOutcome("error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		wks, err := store.GetWrappedKeysByTag(tagID)
		if err != nil {
			logx.Errorf("auth finalize load keys: %v", err)
			metrics.AuthOutcome("error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		wrapped := make(map[string]string, len(wks))
		vaultID := ""
		for _, wk := range wks {
			wrapped[wk.Purpose] = base64.StdEncoding.EncodeToString(wk.WrappedKey)
			if wk.Purpose == vaultKeyPurpose {
				vaultID = wk.VaultID
			}
		}

		metrics.AuthOutcome("success")
		trail.Record(audit.Entry{
			Event:     audit.EventAuthFinalize,
			UserID:    sess.UserID,
			TagID:     tagID,
			SessionID: sess.ID,
			RemoteIP:  c.ClientIP(),
			Outcome:   "ok",
		})

		c.JSON(http.StatusOK, gin.H{
			"tag_id":        tagID,
			"vault_id":      vaultID,
			"wrapped_keys":  wrapped,
			"session_token": token,
			"expires_at":    sess.ExpiresAt,
			"success":       true,
		})
	}
}
