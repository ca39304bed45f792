package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/jbax1899/daneel/internal/app"
	"github.com/jbax1899/daneel/internal/config"
	"github.com/jbax1899/daneel/internal/domain"
)

// VoiceControl lets the ops API drive voice-channel membership. A nil value
// disables the join/leave endpoints.
type VoiceControl interface {
	Join(ctx context.Context, guildID, channelID string) error
	Leave(channelID string)
}

type joinRequest struct {
	GuildID   string `json:"guild_id" binding:"required"`
	ChannelID string `json:"channel_id" binding:"required"`
}

// SetupRouter exposes the operational surface: liveness, live-call inspection,
// join/leave control and prometheus metrics. The voice path itself never goes
// through HTTP.
func SetupRouter(cfg *config.Config, coord *app.Coordinator, voice VoiceControl) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.GET("/calls", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"calls": coord.Sessions()})
	})

	api.GET("/calls/:id", func(c *gin.Context) {
		id := domain.CallID(c.Param("id"))
		for _, info := range coord.Sessions() {
			if info.ID == id {
				c.JSON(http.StatusOK, info)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "no such call"})
	})

	api.POST("/calls", func(c *gin.Context) {
		if voice == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "voice platform not configured"})
			return
		}
		var req joinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "guild_id and channel_id required"})
			return
		}
		if err := voice.Join(c.Request.Context(), req.GuildID, req.ChannelID); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"call": req.ChannelID})
	})

	api.DELETE("/calls/:id", func(c *gin.Context) {
		id := c.Param("id")
		if voice != nil {
			voice.Leave(id)
		} else {
			coord.RemoveSession(domain.CallID(id))
		}
		c.JSON(http.StatusOK, gin.H{"status": "removed"})
	})

	return r
}
