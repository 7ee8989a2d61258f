package api

import (
	"sealdrop/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on the ingestion endpoints only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	e.GET("/health", handler.HandleHealth)

	e.POST("/api/transfers", handler.HandleUpload, uploadLimiter.Middleware())
	e.POST("/api/transfers/:id/chunks/:index", handler.HandleUploadChunk, uploadLimiter.Middleware())

	e.GET("/api/transfers/:id", handler.HandleInfo)
	e.POST("/api/transfers/:id/download", handler.HandleDownload)
	e.DELETE("/api/transfers/:id", handler.HandleDelete)
	e.GET("/api/transfers/:id/events", handler.HandleEvents)

	return e
}
