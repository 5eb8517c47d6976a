package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/rs/zerolog"
)

// NewRouter mounts the REST API and the signaling websocket.
func NewRouter(cfg *config.Config, gw *Gateway, api *API, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Logger(logger),
		middleware.Recovery(logger),
		middleware.CORS(cfg.AllowedOrigins),
	)

	router.GET("/health", api.Health)

	apiGroup := router.Group("/api")
	{
		if cfg.IsDev() {
			apiGroup.POST("/auth/login", Login(cfg.JWTSecret))
		}

		authed := apiGroup.Group("", middleware.JWTAuth(cfg.JWTSecret))
		authed.GET("/presence", api.ListPresence)
		authed.GET("/calls", api.ListCalls)
		authed.GET("/calls/:roomId", api.GetCall)
	}

	// Authentication happens inside the upgrade so failures can be
	// reported as a websocket close.
	router.GET("/ws/signal", gw.HandleSignaling)

	return router
}
