package tenant

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/middleware"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
)

// Handler exposes the tenant service over HTTP
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates tenant HTTP handlers
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// StatusChangeRequest carries the reason for a suspension or deactivation
type StatusChangeRequest struct {
	Reason string `json:"reason"`
}

// CreateTenant registers a new tenant
func (h *Handler) CreateTenant(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.service.RegisterTenant(c.Request.Context(), req, c.GetString(middleware.KeyUserID))
	if err != nil {
		h.fail(c, "Failed to create tenant", err)
		return
	}

	h.logger.Info("Tenant created successfully",
		zap.String("tenant_id", t.ID),
		zap.String("name", t.Name),
		zap.String("created_by", t.CreatedBy),
	)
	c.JSON(http.StatusCreated, t)
}

// ListTenants lists tenants with pagination
func (h *Handler) ListTenants(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	tenants, total, err := h.service.ListTenants(c.Request.Context(), Status(c.Query("status")), (page-1)*limit, limit)
	if err != nil {
		h.fail(c, "Failed to list tenants", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenants": tenants,
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

// GetTenant returns a tenant by ID
func (h *Handler) GetTenant(c *gin.Context) {
	id, ok := h.tenantParam(c)
	if !ok {
		return
	}
	t, err := h.service.GetTenant(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get tenant", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// UpdateSecurityPolicy replaces the tenant security policy
func (h *Handler) UpdateSecurityPolicy(c *gin.Context) {
	id, ok := h.tenantParam(c)
	if !ok {
		return
	}
	var policy SecurityPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.service.UpdateSecurityPolicy(c.Request.Context(), id, policy, c.GetString(middleware.KeyUserID))
	if err != nil {
		h.fail(c, "Failed to update security policy", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// SuspendTenant suspends a tenant
func (h *Handler) SuspendTenant(c *gin.Context) {
	id, ok := h.tenantParam(c)
	if !ok {
		return
	}
	var req StatusChangeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	t, err := h.service.SuspendTenant(c.Request.Context(), id, req.Reason, c.GetString(middleware.KeyUserID))
	if err != nil {
		h.fail(c, "Failed to suspend tenant", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ReactivateTenant lifts a tenant suspension
func (h *Handler) ReactivateTenant(c *gin.Context) {
	id, ok := h.tenantParam(c)
	if !ok {
		return
	}
	t, err := h.service.ReactivateTenant(c.Request.Context(), id, c.GetString(middleware.KeyUserID))
	if err != nil {
		h.fail(c, "Failed to reactivate tenant", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ActivateTenant activates a pending or trial tenant
func (h *Handler) ActivateTenant(c *gin.Context) {
	id, ok := h.tenantParam(c)
	if !ok {
		return
	}
	t, err := h.service.ActivateTenant(c.Request.Context(), id, c.GetString(middleware.KeyUserID))
	if err != nil {
		h.fail(c, "Failed to activate tenant", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// DeactivateTenant permanently deactivates a tenant
func (h *Handler) DeactivateTenant(c *gin.Context) {
	id, ok := h.tenantParam(c)
	if !ok {
		return
	}
	var req StatusChangeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	t, err := h.service.DeactivateTenant(c.Request.Context(), id, req.Reason, c.GetString(middleware.KeyUserID))
	if err != nil {
		h.fail(c, "Failed to deactivate tenant", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// GetQuota reports quota usage
func (h *Handler) GetQuota(c *gin.Context) {
	id, ok := h.tenantParam(c)
	if !ok {
		return
	}
	usage, err := h.service.GetQuotaUsage(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get quota usage", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": id, "usage": usage})
}

// GetSecurityEvents lists audit events for a tenant
func (h *Handler) GetSecurityEvents(c *gin.Context) {
	id, ok := h.tenantParam(c)
	if !ok {
		return
	}
	filter := audit.Filter{
		UserID:    c.Query("user_id"),
		EventType: c.Query("event_type"),
		RiskLevel: audit.RiskLevel(c.Query("risk_level")),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}

	events, err := h.service.GetSecurityEvents(c.Request.Context(), id, filter)
	if err != nil {
		h.fail(c, "Failed to query security events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// tenantParam reads :id and rejects callers outside that tenant unless they hold platform:admin
func (h *Handler) tenantParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Tenant ID is required"})
		return "", false
	}
	if c.GetString(middleware.KeyTenantID) == id {
		return id, true
	}
	if claims, ok := middleware.ClaimsFrom(c); ok {
		for _, p := range claims.Permissions {
			if p == string(permissions.PlatformAdmin) || p == string(permissions.SystemAdmin) {
				return id, true
			}
		}
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "Access denied to tenant"})
	return "", false
}

// bindOptionalJSON accepts an empty body but rejects a malformed one
func bindOptionalJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Tenant not found"})
	case errors.Is(err, ErrDomainExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrUnknownResource):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
