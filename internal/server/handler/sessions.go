package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noteriver/tagvault/internal/audit"
	"github.com/noteriver/tagvault/internal/logx"
	"github.com/noteriver/tagvault/internal/opaque"
	"github.com/noteriver/tagvault/internal/server/db"
	"github.com/noteriver/tagvault/internal/session"
)

type sessionTokenRequest struct {
	SessionToken string `json:"session_token" binding:"required"`
}

type createSessionRequest struct {
	TagID       string `json:"tag_id"`
	SessionData string `json:"session_data"`
}

// HandleCreateSession handles POST /v1/sessions/create: direct session
// issuance for service callers behind the gateway. The per-user limit
// applies the same way it does on the auth flow.
func HandleCreateSession(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := userID(c)
		if uid == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header is required"})
			return
		}

		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.TagID != "" && !validTagID(req.TagID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tag_id must be 32 hex characters"})
			return
		}

		token, sess, err := mgr.Create(uid, req.TagID, c.GetHeader("User-Agent"), c.ClientIP(), req.SessionData)
		if err != nil {
			logx.Errorf("create session: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"session_token": token,
			"session":       sess,
			"expires_at":    sess.ExpiresAt,
		})
	}
}

// HandleValidateSession handles POST /v1/sessions/validate. The response
// reports validity only; it never distinguishes unknown from expired.
func HandleValidateSession(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sessionTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sess, err := mgr.Validate(req.SessionToken, c.GetHeader("User-Agent"), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if sess == nil {
			c.JSON(http.StatusOK, gin.H{"valid": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true, "session": sess})
	}
}

// HandleRefreshSession handles POST /v1/sessions/refresh.
func HandleRefreshSession(mgr *session.Manager, trail *audit.Trail) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sessionTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sess, err := mgr.Validate(req.SessionToken, c.GetHeader("User-Agent"), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if sess == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session invalid"})
			return
		}

		sess, err = mgr.Refresh(sess)
		if err != nil {
			if err == session.ErrSessionInvalid {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "session invalid"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		trail.Record(audit.Entry{
			Event:     audit.EventSessionRefresh,
			UserID:    sess.UserID,
			SessionID: sess.ID,
			Outcome:   "ok",
		})
		c.JSON(http.StatusOK, gin.H{"expires_at": sess.ExpiresAt, "success": true})
	}
}

// HandleInvalidateSession handles POST /v1/sessions/invalidate.
// Invalidating an unknown or already-invalid token reports false, not an
// error.
func HandleInvalidateSession(mgr *session.Manager, trail *audit.Trail) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sessionTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ok, err := mgr.Invalidate(req.SessionToken)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if ok {
			trail.Record(audit.Entry{Event: audit.EventSessionRevoke, Outcome: "ok"})
		}
		c.JSON(http.StatusOK, gin.H{"invalidated": ok})
	}
}

// HandleListSessions handles GET /v1/sessions: the calling user's
// sessions, newest first.
func HandleListSessions(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := SessionFromContext(c)
		sessions, err := store.ListUserSessions(sess.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if sessions == nil {
			sessions = []db.Session{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

// HandleSessionStats handles GET /v1/sessions/stats.
func HandleSessionStats(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := SessionFromContext(c)
		stats, err := store.GetSessionStats(sess.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// HandleCleanupSessions handles POST /v1/sessions/cleanup: bulk-deletes
// expired persisted sessions and applies the in-memory registry's
// capacity eviction.
func HandleCleanupSessions(mgr *session.Manager, opq *opaque.Server, trail *audit.Trail) gin.HandlerFunc {
	return func(c *gin.Context) {
		deleted, err := mgr.CleanupExpired()
		if err != nil {
			logx.Errorf("cleanup sessions: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		evicted := opq.CleanupSessions()

		trail.Record(audit.Entry{Event: audit.EventSessionExpired, Outcome: "ok"})
		c.JSON(http.StatusOK, gin.H{"deleted": deleted, "evicted": evicted})
	}
}
