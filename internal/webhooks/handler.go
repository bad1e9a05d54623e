package webhooks

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/auth"
)

// Handler exposes webhook subscription management over HTTP.
type Handler struct {
	svc    *Service
	tokens *auth.TokenService
	admin  *auth.AdminKey
	logger *zap.Logger
}

func NewHandler(svc *Service, tokens *auth.TokenService, admin *auth.AdminKey, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, tokens: tokens, admin: admin, logger: logger}
}

// Register mounts the webhook routes on the given group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/webhooks")
	g.Use(auth.RequireTenant(h.tokens, h.admin))
	g.POST("", h.create)
	g.GET("", h.list)
	g.DELETE("/:id", h.remove)
}

func (h *Handler) create(c *gin.Context) {
	tenantID := auth.TenantFromCtx(c)
	if tenantID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant token required"})
		return
	}

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, secret, err := h.svc.Subscribe(c.Request.Context(), tenantID, req)
	if err != nil {
		if errors.Is(err, ErrInvalidSubscription) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("create webhook subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// The signing secret is returned once at creation and never again.
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       secret,
	})
}

func (h *Handler) list(c *gin.Context) {
	tenantID := auth.TenantFromCtx(c)
	if tenantID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant token required"})
		return
	}

	subs, err := h.svc.ListByTenant(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("list webhook subscriptions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *Handler) remove(c *gin.Context) {
	tenantID := auth.TenantFromCtx(c)
	if tenantID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant token required"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}

	if err := h.svc.Unsubscribe(c.Request.Context(), tenantID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		h.logger.Error("delete webhook subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}
