package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/latencypoison/latencypoison/internal/models"
	"github.com/latencypoison/latencypoison/internal/store"
)

// EndpointHandler manages endpoints inside the caller's collections.
type EndpointHandler struct {
	store *store.GormStore
}

// NewEndpointHandler constructs an EndpointHandler.
func NewEndpointHandler(s *store.GormStore) *EndpointHandler {
	return &EndpointHandler{store: s}
}

type endpointView struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	Path         string    `json:"path"`
	LatencyMs    *int      `json:"latency_ms"`
	FailRate     *float64  `json:"fail_rate"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toEndpointView(e *models.Endpoint) endpointView {
	return endpointView{
		ID:           e.ID,
		CollectionID: e.CollectionID,
		Path:         e.Path,
		LatencyMs:    e.LatencyMs,
		FailRate:     e.FailRate,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

type createEndpointRequest struct {
	Path      string   `json:"path"`
	LatencyMs *int     `json:"latency_ms"`
	FailRate  *float64 `json:"fail_rate"`
}

// Create adds an endpoint to the collection named in the route.
func (h *EndpointHandler) Create(c *gin.Context) {
	collection, ok := loadOwnedCollection(c, h.store, c.Param("id"))
	if !ok {
		return
	}
	var body createEndpointRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errCreate := h.store.CreateEndpoint(c.Request.Context(), collection.ID, store.EndpointInput{
		Path:      body.Path,
		LatencyMs: body.LatencyMs,
		FailRate:  body.FailRate,
	})
	if errCreate != nil {
		respondStoreError(c, errCreate, "create endpoint failed")
		return
	}
	c.JSON(http.StatusCreated, toEndpointView(row))
}

// List returns the endpoints of the collection named in the route.
func (h *EndpointHandler) List(c *gin.Context) {
	collection, ok := loadOwnedCollection(c, h.store, c.Param("id"))
	if !ok {
		return
	}
	rows, errList := h.store.ListEndpoints(c.Request.Context(), collection.ID)
	if errList != nil {
		respondStoreError(c, errList, "list endpoints failed")
		return
	}
	out := make([]endpointView, 0, len(rows))
	for i := range rows {
		out = append(out, toEndpointView(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": out})
}

// Get returns one endpoint.
func (h *EndpointHandler) Get(c *gin.Context) {
	row, ok := h.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toEndpointView(row))
}

// updateEndpointRequest distinguishes absent overrides from explicit nulls.
type updateEndpointRequest struct {
	Path      *string                 `json:"path"`
	LatencyMs store.Nullable[int]     `json:"latency_ms"`
	FailRate  store.Nullable[float64] `json:"fail_rate"`
}

// Update patches an endpoint. A null override reverts it to the collection default.
func (h *EndpointHandler) Update(c *gin.Context) {
	existing, ok := h.loadOwned(c)
	if !ok {
		return
	}
	var body updateEndpointRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errUpdate := h.store.UpdateEndpoint(c.Request.Context(), existing.ID, store.EndpointPatch{
		Path:      body.Path,
		LatencyMs: body.LatencyMs,
		FailRate:  body.FailRate,
	})
	if errUpdate != nil {
		respondStoreError(c, errUpdate, "update endpoint failed")
		return
	}
	c.JSON(http.StatusOK, toEndpointView(row))
}

// Delete removes an endpoint.
func (h *EndpointHandler) Delete(c *gin.Context) {
	existing, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if errDelete := h.store.DeleteEndpoint(c.Request.Context(), existing.ID); errDelete != nil {
		respondStoreError(c, errDelete, "delete endpoint failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *EndpointHandler) loadOwned(c *gin.Context) (*models.Endpoint, bool) {
	row, errGet := h.store.GetEndpoint(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		respondStoreError(c, errGet, "query endpoint failed")
		return nil, false
	}
	if _, ok := loadOwnedCollection(c, h.store, row.CollectionID); !ok {
		return nil, false
	}
	return row, true
}
