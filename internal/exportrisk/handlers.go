package exportrisk

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Monitor is the engine surface the HTTP handlers need.
type Monitor interface {
	MonitorExport(ctx context.Context, userID int64, exportType string, recordCount int, format string, rc RequestContext) Decision
	Usage(ctx context.Context, userID int64) (Usage, error)
}

// Handler provides HTTP endpoints for export checks.
type Handler struct {
	monitor   Monitor
	sightings SightingRecorder
	logs      SecurityLogReader
}

// NewHandler creates an export-check handler.
func NewHandler(monitor Monitor) *Handler {
	return &Handler{monitor: monitor}
}

// WithSightings enables the sign-in sighting endpoint.
func (h *Handler) WithSightings(r SightingRecorder) *Handler {
	h.sightings = r
	return h
}

// WithSecurityLogs enables the security-log listing endpoint.
func (h *Handler) WithSecurityLogs(r SecurityLogReader) *Handler {
	h.logs = r
	return h
}

// RegisterRoutes sets up export routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/exports/check", h.Check)
	r.GET("/exports/usage/:userId", h.GetUsage)
	if h.sightings != nil {
		r.POST("/users/:userId/sightings", h.RecordSighting)
	}
	if h.logs != nil {
		r.GET("/users/:userId/security-logs", h.ListSecurityLogs)
	}
}

type checkRequest struct {
	UserID            int64  `json:"userId" binding:"required"`
	ExportType        string `json:"exportType" binding:"required,max=100"`
	RecordCount       *int   `json:"recordCount" binding:"required"`
	Format            string `json:"format" binding:"required,max=20"`
	DeviceFingerprint string `json:"deviceFingerprint" binding:"max=255"`
}

// Check handles POST /v1/exports/check. A denied export is reported with 403
// and the full decision body.
func (h *Handler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId, exportType (max 100), recordCount and format (max 20) are required"})
		return
	}
	if *req.RecordCount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "recordCount must not be negative"})
		return
	}

	decision := h.monitor.MonitorExport(c.Request.Context(), req.UserID, req.ExportType, *req.RecordCount, req.Format, RequestContext{
		IPAddress:         c.ClientIP(),
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         c.Request.UserAgent(),
	})

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"decision": decision})
}

// GetUsage handles GET /v1/exports/usage/:userId
func (h *Handler) GetUsage(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	usage, err := h.monitor.Usage(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage, "showWarning": usage.Low()})
}

// RecordSighting handles POST /v1/users/:userId/sightings
func (h *Handler) RecordSighting(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req struct {
		IPAddress string `json:"ipAddress" binding:"omitempty,ip"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "ipAddress must be a valid IP"})
		return
	}
	ip := req.IPAddress
	if ip == "" {
		ip = c.ClientIP()
	}

	if err := h.sightings.RecordSighting(c.Request.Context(), userID, ip, c.Request.UserAgent(), time.Now()); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to record sighting"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSecurityLogs handles GET /v1/users/:userId/security-logs?limit=N
func (h *Handler) ListSecurityLogs(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	records, err := h.logs.ListSecurityLogs(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list security logs"})
		return
	}
	if records == nil {
		records = []AuditRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"securityLogs": records, "count": len(records)})
}

func parseUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId must be a positive integer"})
		return 0, false
	}
	return userID, true
}
