package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/latencypoison/latencypoison/internal/store"
	"gorm.io/gorm"
)

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db        *gorm.DB
	snapshots store.ConfigStore
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db *gorm.DB, snapshots store.ConfigStore) *HealthHandler {
	return &HealthHandler{db: db, snapshots: snapshots}
}

// Healthz checks database connectivity and reports the served snapshot version.
func (h *HealthHandler) Healthz(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	resp := gin.H{"ok": true}
	if h.snapshots != nil {
		if snap := h.snapshots.Snapshot(); snap != nil {
			resp["snapshot_version"] = snap.Version
			resp["collections"] = snap.Len()
		}
	}
	c.JSON(http.StatusOK, resp)
}
