package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/latencypoison/latencypoison/internal/config"
	relayhttp "github.com/latencypoison/latencypoison/internal/http"
	"github.com/latencypoison/latencypoison/internal/http/api/handlers"
	"github.com/latencypoison/latencypoison/internal/metrics"
	"github.com/latencypoison/latencypoison/internal/proxy"
	"github.com/latencypoison/latencypoison/internal/security"
	"github.com/latencypoison/latencypoison/internal/store"
	"gorm.io/gorm"
)

// Deps carries the components the routes are built from.
type Deps struct {
	DB        *gorm.DB
	JWT       config.JWTConfig
	Users     *store.UserStore
	Store     *store.GormStore
	Snapshots store.ConfigStore
	Engine    *proxy.Engine
	Limiter   *proxy.RateLimiter
}

// RegisterRoutes registers the service descriptor, health, metrics, admin API and proxy routes.
func RegisterRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	r.GET("/", handlers.Root)
	r.GET("/healthz", handlers.NewHealthHandler(deps.DB, deps.Snapshots).Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	if deps.Engine != nil {
		proxyHandler := handlers.NewProxyHandler(deps.Engine)
		r.GET("/proxy", proxyHandler.Adhoc)
		proxied := r.Group("/proxy/:collection_id")
		proxied.Use(relayhttp.RateLimitMiddleware(deps.Limiter, deps.Snapshots))
		proxied.Any("", proxyHandler.Forward)
		proxied.Any("/*path", proxyHandler.Forward)
	}

	apiGroup := r.Group("/api")

	authHandler := handlers.NewAuthHandler(deps.Users, deps.JWT)
	apiGroup.POST("/auth/register", authHandler.Register)
	apiGroup.POST("/auth/login", authHandler.Login)

	authed := apiGroup.Group("")
	authed.Use(userAuthMiddleware(deps.Users, deps.JWT))

	authed.GET("/auth/me", authHandler.Me)

	collectionHandler := handlers.NewCollectionHandler(deps.Store, deps.Limiter)
	authed.POST("/collections", collectionHandler.Create)
	authed.GET("/collections", collectionHandler.List)
	authed.GET("/collections/:id", collectionHandler.Get)
	authed.PUT("/collections/:id", collectionHandler.Update)
	authed.DELETE("/collections/:id", collectionHandler.Delete)

	endpointHandler := handlers.NewEndpointHandler(deps.Store)
	authed.POST("/collections/:id/endpoints", endpointHandler.Create)
	authed.GET("/collections/:id/endpoints", endpointHandler.List)
	authed.GET("/endpoints/:id", endpointHandler.Get)
	authed.PUT("/endpoints/:id", endpointHandler.Update)
	authed.DELETE("/endpoints/:id", endpointHandler.Delete)
}

// userAuthMiddleware validates user JWTs and loads the user into context.
func userAuthMiddleware(users *store.UserStore, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errToken := security.BearerToken(c.GetHeader("Authorization"))
		if errToken != nil {
			if errors.Is(errToken, security.ErrMissingToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}

		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			if errors.Is(errJWT, security.ErrExpiredToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		user, errFind := users.GetUser(c.Request.Context(), claims.UserID)
		if errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		if user.Disabled {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user disabled"})
			return
		}

		c.Set("userID", user.ID)
		c.Next()
	}
}
