package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/latencypoison/latencypoison/internal/config"
)

// NewRouter builds a gin engine with the shared middleware chain. Routes are registered separately.
func NewRouter(cfg config.Config) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	if cfg.Tracing.Enabled {
		r.Use(TracingMiddleware(cfg.Tracing.ServiceName))
	}
	r.Use(AccessLogMiddleware())
	r.Use(CORSMiddleware(cfg.Server.CORSOrigins))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}
