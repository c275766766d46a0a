package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/latencypoison/latencypoison/internal/proxy"
)

// ProxyHandler feeds inbound requests to the proxy engine.
type ProxyHandler struct {
	engine *proxy.Engine
}

// NewProxyHandler constructs a ProxyHandler.
func NewProxyHandler(engine *proxy.Engine) *ProxyHandler {
	return &ProxyHandler{engine: engine}
}

// Forward handles /proxy/:collection_id/*path. The remainder after the collection ID is the upstream path.
func (h *ProxyHandler) Forward(c *gin.Context) {
	requestPath := c.Param("path")
	if requestPath == "" {
		requestPath = "/"
	}
	req := proxy.RequestFromHTTP(c.Request, c.Param("collection_id"), requestPath)
	out, _ := h.engine.Handle(c.Request.Context(), req)
	h.write(c, out)
}

// Adhoc handles GET /proxy?url=... with query-driven latency and failure settings.
func (h *ProxyHandler) Adhoc(c *gin.Context) {
	adhoc, errParse := proxy.ParseAdhocQuery(c.Request.URL.Query())
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errParse.Error()})
		return
	}
	adhoc.Header = c.Request.Header
	adhoc.RemoteAddr = c.Request.RemoteAddr
	adhoc.Host = c.Request.Host
	adhoc.TLS = c.Request.TLS != nil

	out, _ := h.engine.HandleAdhoc(c.Request.Context(), adhoc)
	h.write(c, out)
}

func (h *ProxyHandler) write(c *gin.Context, out *proxy.Outcome) {
	if out != nil && out.State == proxy.StateCancelled {
		// The client is gone; the status only reaches middleware.
		c.AbortWithStatus(proxy.StatusClientClosedRequest)
		return
	}
	proxy.WriteOutcome(c.Writer, out)
}
