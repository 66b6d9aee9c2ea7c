package update

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the agent-facing update-check endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates an update-check handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the update-check route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/update-check", h.Check)
}

// Check answers GET /api/agents/update-check.
//
// Query parameters: version, platform, arch, machineId (optional, for
// rollout bucketing), channel (optional, default STABLE).
func (h *Handler) Check(c *gin.Context) {
	version := c.Query("version")
	platform := c.Query("platform")
	arch := c.Query("arch")
	if version == "" || platform == "" || arch == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "BAD_REQUEST",
			"message": "version, platform, and arch are required",
		})
		return
	}

	result, err := h.service.CheckUpdateAvailable(c.Request.Context(),
		version, platform, arch, c.Query("machineId"), c.Query("channel"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_SERVER_ERROR"})
		return
	}
	c.JSON(http.StatusOK, result)
}
