package server

import (
	"github.com/gin-gonic/gin"

	"github.com/noteriver/tagvault/internal/audit"
	"github.com/noteriver/tagvault/internal/opaque"
	"github.com/noteriver/tagvault/internal/server/db"
	"github.com/noteriver/tagvault/internal/server/handler"
	"github.com/noteriver/tagvault/internal/session"
	"github.com/noteriver/tagvault/internal/vault"
)

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(store *db.Store, opq *opaque.Server, mgr *session.Manager, trail *audit.Trail, cfg *Config) *gin.Engine {
	r := gin.Default()

	metrics := NewMetrics()
	r.Use(metrics.Middleware())

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	r.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})
	r.GET("/metrics", metrics.Handler())

	vaults := vault.NewStore(store)
	auth := SessionAuth(mgr)
	authRate := RateLimit(cfg.AuthRatePerSec, cfg.AuthRateBurst)

	v1 := r.Group("/v1")
	{
		// Registration (two-phase; principal comes from the gateway header)
		v1.POST("/opaque/register/start", authRate, handler.HandleRegisterStart(opq))
		v1.POST("/secret-tags/register", authRate, handler.HandleRegisterTag(store, opq, trail))

		// Secret-tag metadata
		v1.GET("/secret-tags", auth, handler.HandleListTags(store))
		v1.PUT("/secret-tags/:id", auth, handler.HandleUpdateTag(store, trail))
		v1.DELETE("/secret-tags/:id", auth, handler.HandleDeleteTag(store, trail))

		// Two-phase login
		v1.POST("/auth/init", authRate, handler.HandleAuthInit(store, opq, mgr, metrics, cfg.TimingFloor))
		v1.POST("/auth/finalize", authRate, handler.HandleAuthFinalize(store, opq, mgr, trail, metrics, cfg.TimingFloor))

		// Vault blobs
		v1.POST("/vaults/:id/blobs", auth, handler.HandleUploadBlob(vaults, trail, metrics))
		v1.GET("/vaults/:id/blobs", auth, handler.HandleListBlobs(vaults))
		v1.GET("/vaults/:id/blobs/:oid", auth, handler.HandleDownloadBlob(vaults, trail))
		v1.DELETE("/vaults/:id/blobs/:oid", auth, handler.HandleDeleteBlob(vaults, trail))
		v1.GET("/vaults/:id/stats", auth, handler.HandleVaultStats(vaults))

		// Session lifecycle
		v1.POST("/sessions/create", handler.HandleCreateSession(mgr))
		v1.POST("/sessions/validate", handler.HandleValidateSession(mgr))
		v1.POST("/sessions/refresh", handler.HandleRefreshSession(mgr, trail))
		v1.POST("/sessions/invalidate", handler.HandleInvalidateSession(mgr, trail))
		v1.POST("/sessions/cleanup", handler.HandleCleanupSessions(mgr, opq, trail))
		v1.GET("/sessions", auth, handler.HandleListSessions(store))
		v1.GET("/sessions/stats", auth, handler.HandleSessionStats(store))
	}

	return r
}
