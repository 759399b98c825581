// Package handler implements the HTTP endpoint groups: secret-tag
// registration, the two-phase auth flow, session lifecycle, and vault
// blob I/O.
package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noteriver/tagvault/internal/server/db"
)

const sessionContextKey = "tagvault.session"

// Metrics is the subset of server metrics handlers record directly.
type Metrics interface {
	AuthOutcome(outcome string)
	BlobUploaded(n int)
}

// SetSession stores the authenticated session for downstream handlers.
func SetSession(c *gin.Context, sess *db.Session) {
	c.Set(sessionContextKey, sess)
}

// SessionFromContext retrieves the session stored by the auth middleware.
func SessionFromContext(c *gin.Context) *db.Session {
	if v, ok := c.Get(sessionContextKey); ok {
		if sess, ok := v.(*db.Session); ok {
			return sess
		}
	}
	return nil
}

// userID resolves the acting principal: the session user when
// authenticated, otherwise the X-User-ID header set by the outer gateway.
func userID(c *gin.Context) string {
	if sess := SessionFromContext(c); sess != nil {
		return sess.UserID
	}
	return c.GetHeader("X-User-ID")
}
