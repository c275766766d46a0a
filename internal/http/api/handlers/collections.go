package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/latencypoison/latencypoison/internal/models"
	"github.com/latencypoison/latencypoison/internal/proxy"
	"github.com/latencypoison/latencypoison/internal/store"
)

// CollectionHandler manages the caller's collections.
type CollectionHandler struct {
	store   *store.GormStore
	limiter *proxy.RateLimiter
}

// NewCollectionHandler constructs a CollectionHandler. limiter may be nil.
func NewCollectionHandler(s *store.GormStore, limiter *proxy.RateLimiter) *CollectionHandler {
	return &CollectionHandler{store: s, limiter: limiter}
}

type collectionView struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	BaseURL            string         `json:"base_url"`
	DefaultLatencyMs   int            `json:"default_latency_ms"`
	DefaultFailRate    float64        `json:"default_fail_rate"`
	PassthroughHeaders []string       `json:"passthrough_headers"`
	Endpoints          []endpointView `json:"endpoints,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func toCollectionView(c *models.Collection) collectionView {
	headers := store.DecodeHeaderNames(c.PassthroughHeaders)
	if headers == nil {
		headers = []string{}
	}
	return collectionView{
		ID:                 c.ID,
		Name:               c.Name,
		BaseURL:            c.BaseURL,
		DefaultLatencyMs:   c.DefaultLatencyMs,
		DefaultFailRate:    c.DefaultFailRate,
		PassthroughHeaders: headers,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

type createCollectionRequest struct {
	Name               string   `json:"name"`
	BaseURL            string   `json:"base_url"`
	DefaultLatencyMs   int      `json:"default_latency_ms"`
	DefaultFailRate    float64  `json:"default_fail_rate"`
	PassthroughHeaders []string `json:"passthrough_headers"`
}

// Create adds a collection owned by the caller.
func (h *CollectionHandler) Create(c *gin.Context) {
	var body createCollectionRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errCreate := h.store.CreateCollection(c.Request.Context(), getUserID(c), store.CollectionInput{
		Name:               body.Name,
		BaseURL:            body.BaseURL,
		DefaultLatencyMs:   body.DefaultLatencyMs,
		DefaultFailRate:    body.DefaultFailRate,
		PassthroughHeaders: body.PassthroughHeaders,
	})
	if errCreate != nil {
		respondStoreError(c, errCreate, "create collection failed")
		return
	}
	c.JSON(http.StatusCreated, toCollectionView(row))
}

// List returns the caller's collections, filtered by the optional keyword query.
func (h *CollectionHandler) List(c *gin.Context) {
	rows, errList := h.store.ListCollections(c.Request.Context(), getUserID(c), c.Query("keyword"))
	if errList != nil {
		respondStoreError(c, errList, "list collections failed")
		return
	}
	out := make([]collectionView, 0, len(rows))
	for i := range rows {
		out = append(out, toCollectionView(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"collections": out})
}

// Get returns one collection with its endpoints.
func (h *CollectionHandler) Get(c *gin.Context) {
	row, ok := h.loadOwned(c, c.Param("id"))
	if !ok {
		return
	}
	endpoints, errList := h.store.ListEndpoints(c.Request.Context(), row.ID)
	if errList != nil {
		respondStoreError(c, errList, "list endpoints failed")
		return
	}
	view := toCollectionView(row)
	view.Endpoints = make([]endpointView, 0, len(endpoints))
	for i := range endpoints {
		view.Endpoints = append(view.Endpoints, toEndpointView(&endpoints[i]))
	}
	c.JSON(http.StatusOK, view)
}

type updateCollectionRequest struct {
	Name               *string   `json:"name"`
	BaseURL            *string   `json:"base_url"`
	DefaultLatencyMs   *int      `json:"default_latency_ms"`
	DefaultFailRate    *float64  `json:"default_fail_rate"`
	PassthroughHeaders *[]string `json:"passthrough_headers"`
}

// Update patches a collection. Absent fields are unchanged.
func (h *CollectionHandler) Update(c *gin.Context) {
	existing, ok := h.loadOwned(c, c.Param("id"))
	if !ok {
		return
	}
	var body updateCollectionRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	row, errUpdate := h.store.UpdateCollection(c.Request.Context(), existing.ID, store.CollectionPatch{
		Name:               body.Name,
		BaseURL:            body.BaseURL,
		DefaultLatencyMs:   body.DefaultLatencyMs,
		DefaultFailRate:    body.DefaultFailRate,
		PassthroughHeaders: body.PassthroughHeaders,
	})
	if errUpdate != nil {
		respondStoreError(c, errUpdate, "update collection failed")
		return
	}
	c.JSON(http.StatusOK, toCollectionView(row))
}

// Delete removes a collection and its endpoints.
func (h *CollectionHandler) Delete(c *gin.Context) {
	existing, ok := h.loadOwned(c, c.Param("id"))
	if !ok {
		return
	}
	if errDelete := h.store.DeleteCollection(c.Request.Context(), existing.ID); errDelete != nil {
		respondStoreError(c, errDelete, "delete collection failed")
		return
	}
	h.limiter.Forget(existing.ID)
	c.Status(http.StatusNoContent)
}

// loadOwned fetches a collection and checks the caller owns it, writing the error response otherwise.
func (h *CollectionHandler) loadOwned(c *gin.Context, id string) (*models.Collection, bool) {
	return loadOwnedCollection(c, h.store, id)
}

func loadOwnedCollection(c *gin.Context, s *store.GormStore, id string) (*models.Collection, bool) {
	row, errGet := s.GetCollection(c.Request.Context(), id)
	if errGet != nil {
		respondStoreError(c, errGet, "query collection failed")
		return nil, false
	}
	if row.OwnerID != getUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	return row, true
}
