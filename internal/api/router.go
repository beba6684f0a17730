// Package api assembles the HTTP router.
package api

import (
	"net/http"
	"time"

	"person-detect-go/config"
	"person-detect-go/internal/api/handlers"
	"person-detect-go/internal/api/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Handlers groups the route handlers. Webhook may be nil.
type Handlers struct {
	API     *handlers.APIHandler
	Display *handlers.DisplayHandler
	Events  *handlers.EventHandler
	Webhook *handlers.WebhookHandler
}

// NewRouter builds the gin engine with CORS, logging, recovery, the API
// routes and the static snapshot directory.
func NewRouter(cfg config.ServerConfig, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	if cfg.SnapshotURL != "" && cfg.SnapshotDir != "" {
		router.Static(cfg.SnapshotURL, cfg.SnapshotDir)
	}

	api := router.Group("/api")
	h.API.RegisterRoutes(api)
	h.Display.RegisterRoutes(api)
	h.Events.RegisterRoutes(api)
	if h.Webhook != nil {
		h.Webhook.RegisterRoutes(api)
	}

	return router
}
