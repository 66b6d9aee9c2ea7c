// Package debug exposes mock-agent endpoints for integration testing.
//
// Enabled only when DEBUG_MODE=true; every request must carry the
// X-Debug-Key header matching DEBUG_API_KEY. Mock agents register through
// the normal registry path (system user, trial license, session row) but
// have no socket, so forwarded commands to them fail like any unreachable
// agent would.
package debug

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/registry"
)

// Handler serves the debug endpoints.
type Handler struct {
	registry *registry.Registry
	apiKey   string
}

// NewHandler creates a debug handler.
func NewHandler(reg *registry.Registry, apiKey string) *Handler {
	return &Handler{registry: reg, apiKey: apiKey}
}

// RegisterRoutes registers debug routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	group := r.Group("/debug", h.requireKey)
	group.POST("/agents", h.CreateMockAgent)
	group.DELETE("/agents/:id", h.DeleteMockAgent)
}

func (h *Handler) requireKey(c *gin.Context) {
	key := c.GetHeader("X-Debug-Key")
	if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN"})
		return
	}
	c.Next()
}

type mockAgentRequest struct {
	CustomerID  string `json:"customerId" binding:"required"`
	MachineID   string `json:"machineId" binding:"required"`
	DisplayName string `json:"displayName"`
	Hostname    string `json:"hostname"`
	OSType      string `json:"osType"`
}

// CreateMockAgent registers a loopback agent.
func (h *Handler) CreateMockAgent(c *gin.Context) {
	var req mockAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": err.Error()})
		return
	}

	agent, err := h.registry.RegisterMock(c.Request.Context(), &models.RegisterPayload{
		CustomerID:  req.CustomerID,
		MachineID:   req.MachineID,
		DisplayName: req.DisplayName,
		Hostname:    req.Hostname,
		OSType:      req.OSType,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_SERVER_ERROR", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"connectionId": agent.ConnectionID,
		"agentId":      agent.DBID,
		"name":         agent.Name(),
	})
}

// DeleteMockAgent unregisters a loopback agent by connection or db id.
func (h *Handler) DeleteMockAgent(c *gin.Context) {
	agent := h.registry.GetAgent(c.Param("id"))
	if agent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND"})
		return
	}
	h.registry.Unregister(agent.ConnectionID, "Mock agent removed")
	c.Status(http.StatusNoContent)
}
