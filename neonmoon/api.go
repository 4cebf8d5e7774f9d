package neonmoon

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// newAPIServer builds the read-only ops HTTP server: a health check plus
// listings of pending reminders and per-guild key/value records. It binds
// to localhost by default and carries no state-changing endpoints, so
// there is no authentication layer.
func newAPIServer(nm *NeonMoon) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := nm.config.API.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) > 0 {
		engine.Use(cors.New(corsConfig))
	}

	engine.GET("/health", nm.apiHealth)
	api := engine.Group("/api")
	{
		api.GET("/reminders", nm.apiPendingReminders)
		api.GET("/kv/:guild_id", nm.apiListKV)
	}

	return &http.Server{
		Addr:              nm.config.API.Listen,
		Handler:           engine,
		ReadTimeout:       nm.config.API.ReadTimeout,
		ReadHeaderTimeout: nm.config.API.ReadHeaderTimeout,
		WriteTimeout:      nm.config.API.WriteTimeout,
		IdleTimeout:       nm.config.API.IdleTimeout,
	}
}

func (nm *NeonMoon) apiHealth(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		gin.H{
			"status":            "ok",
			"discord_connected": nm.discord.connected.Load(),
		},
	)
}

func (nm *NeonMoon) apiPendingReminders(c *gin.Context) {
	pending, err := nm.store.PendingReminders(c.Request.Context())
	if err != nil {
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error listing reminders"},
		)
		return
	}
	c.JSON(http.StatusOK, pending)
}

func (nm *NeonMoon) apiListKV(c *gin.Context) {
	recs, err := nm.store.ListKV(
		c.Request.Context(),
		c.Param("guild_id"),
		c.Query("prefix"),
	)
	if err != nil {
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error listing records"},
		)
		return
	}
	c.JSON(http.StatusOK, recs)
}
