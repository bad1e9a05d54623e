package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/router"
)

// ResolveHandler serves the edge-facing routing lookup. The edge proxy calls
// it on cache misses, so it stays unauthenticated and cheap.
type ResolveHandler struct {
	resolver *router.Resolver
	logger   *zap.Logger
}

// NewResolveHandler creates a new ResolveHandler.
func NewResolveHandler(resolver *router.Resolver, logger *zap.Logger) *ResolveHandler {
	return &ResolveHandler{resolver: resolver, logger: logger}
}

// Register registers the resolve route on the given router group.
func (h *ResolveHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/resolve", h.Resolve)
}

// Resolve handles GET /resolve?host= — maps an incoming Host header to a
// tenant site. Unknown hosts get 404; the edge must not serve a fallback.
func (h *ResolveHandler) Resolve(c *gin.Context) {
	host := c.Query("host")
	if host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host is required"})
		return
	}

	route, err := h.resolver.Resolve(c.Request.Context(), host)
	if err != nil {
		if errors.Is(err, router.ErrUnknownHost) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no site serves this host"})
			return
		}
		h.logger.Error("resolve host", zap.String("host", host), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"host":      host,
		"tenant_id": route.TenantID,
		"site_id":   route.SiteID,
	})
}
