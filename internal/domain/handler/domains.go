package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/auth"
	"github.com/canopyhq/canopy/internal/domain/model"
	"github.com/canopyhq/canopy/internal/domain/service"
)

// DomainHandler handles HTTP requests for custom domain management.
type DomainHandler struct {
	svc    *service.DomainService
	tokens *auth.TokenService
	admin  *auth.AdminKey
	logger *zap.Logger
}

// NewDomainHandler creates a new DomainHandler.
func NewDomainHandler(svc *service.DomainService, tokens *auth.TokenService, admin *auth.AdminKey, logger *zap.Logger) *DomainHandler {
	return &DomainHandler{svc: svc, tokens: tokens, admin: admin, logger: logger}
}

// Register registers all domain routes on the given router group.
func (h *DomainHandler) Register(rg *gin.RouterGroup) {
	domains := rg.Group("/domains")
	domains.Use(auth.RequireTenant(h.tokens, h.admin))
	{
		domains.POST("", h.CreateDomain)
		domains.GET("", h.ListDomains)
		domains.GET("/:id", h.GetDomain)
		domains.DELETE("/:id", h.DeleteDomain)
		domains.POST("/:id/verify", h.VerifyDomain)
		domains.GET("/:id/instructions", h.GetInstructions)
	}
}

// CreateDomain handles POST /domains — claims a hostname for the tenant.
func (h *DomainHandler) CreateDomain(c *gin.Context) {
	var req struct {
		Hostname string `json:"hostname" binding:"required"`
		TenantID string `json:"tenant_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := auth.TenantFromCtx(c)
	if tenantID == "" {
		// Admin-key requests must name the tenant explicitly.
		if !auth.IsAdmin(c) || req.TenantID == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "tenant token required"})
			return
		}
		tenantID = req.TenantID
	}

	d, err := h.svc.RegisterDomain(c.Request.Context(), tenantID, req.Hostname)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidHostname):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrAlreadyClaimed):
			c.JSON(http.StatusConflict, gin.H{"error": "hostname is already claimed"})
		case errors.Is(err, service.ErrClaimCooldown):
			c.JSON(http.StatusConflict, gin.H{"error": "hostname was recently removed and cannot be re-claimed yet"})
		default:
			h.logger.Error("register domain", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"domain":      d,
		"dns_records": d.DNSRecords,
	})
}

// ListDomains handles GET /domains — lists the tenant's domains.
// Admin-key requests may pass ?tenant_id= to inspect any tenant.
func (h *DomainHandler) ListDomains(c *gin.Context) {
	tenantID := auth.TenantFromCtx(c)
	if tenantID == "" {
		if !auth.IsAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "tenant token required"})
			return
		}
		tenantID = c.Query("tenant_id")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
			return
		}
	}

	domains, err := h.svc.ListDomains(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("list domains", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list domains"})
		return
	}
	if domains == nil {
		domains = []*model.CustomDomain{}
	}

	c.JSON(http.StatusOK, gin.H{"domains": domains, "count": len(domains)})
}

// GetDomain handles GET /domains/:id — returns a single domain with its status.
func (h *DomainHandler) GetDomain(c *gin.Context) {
	d, ok := h.ownedDomain(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": d})
}

// DeleteDomain handles DELETE /domains/:id — disconnects and removes a domain.
func (h *DomainHandler) DeleteDomain(c *gin.Context) {
	d, ok := h.ownedDomain(c)
	if !ok {
		return
	}

	if err := h.svc.RemoveDomain(c.Request.Context(), d.ID); err != nil {
		h.logger.Error("remove domain", zap.Error(err), zap.String("hostname", d.Hostname))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove domain"})
		return
	}
	c.Status(http.StatusNoContent)
}

// VerifyDomain handles POST /domains/:id/verify — requests an immediate
// verification attempt. Verification itself runs asynchronously.
func (h *DomainHandler) VerifyDomain(c *gin.Context) {
	d, ok := h.ownedDomain(c)
	if !ok {
		return
	}

	d, err := h.svc.RequestVerification(c.Request.Context(), d.ID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDomainRemoved):
			c.JSON(http.StatusGone, gin.H{"error": "domain has been removed"})
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "domain not found"})
		default:
			h.logger.Error("request verification", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification request failed"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"domain": d})
}

// GetInstructions handles GET /domains/:id/instructions — returns the DNS
// records the tenant must create.
func (h *DomainHandler) GetInstructions(c *gin.Context) {
	d, ok := h.ownedDomain(c)
	if !ok {
		return
	}

	records, err := h.svc.Instructions(c.Request.Context(), d.ID)
	if err != nil {
		if errors.Is(err, service.ErrDomainRemoved) {
			c.JSON(http.StatusGone, gin.H{"error": "domain has been removed"})
			return
		}
		h.logger.Error("get instructions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get instructions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": records})
}

// ownedDomain parses the :id param, loads the domain, and enforces tenant
// ownership. Returns false if it already wrote an error response. Domains
// owned by another tenant read as not found, they are never disclosed.
func (h *DomainHandler) ownedDomain(c *gin.Context) (*model.CustomDomain, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid domain ID"})
		return nil, false
	}

	d, err := h.svc.GetStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "domain not found"})
			return nil, false
		}
		h.logger.Error("get domain", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get domain"})
		return nil, false
	}

	if !auth.IsAdmin(c) && d.TenantID != auth.TenantFromCtx(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "domain not found"})
		return nil, false
	}

	return d, true
}
