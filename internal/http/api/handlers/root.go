package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Root describes the service and its route groups.
func Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "LatencyPoison",
		"description": "Network Chaos Proxy",
		"endpoints": gin.H{
			"/proxy":                  "Forward a GET with a random latency range and failure probability",
			"/proxy/{collection_id}/": "Forward requests through a collection with its configured latency and failure rate",
			"/api/auth":               "Authentication endpoints",
			"/api/collections":        "Collections endpoints",
			"/api/endpoints":          "Endpoints endpoints",
			"/healthz":                "Health check",
			"/metrics":                "Prometheus metrics",
		},
	})
}
