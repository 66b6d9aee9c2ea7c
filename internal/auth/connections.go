package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/screenlink/screenlink/broker/internal/db"
)

// ConnectionHandler manages a user's tenant endpoints. Each connection owns
// one /mcp/{uuid} URL that AI clients authorize against.
type ConnectionHandler struct {
	sessions    *Handler
	connections *db.ConnectionDB
	appURL      string
}

// NewConnectionHandler creates a connection management handler.
func NewConnectionHandler(database *db.Database, sessions *Handler, appURL string) *ConnectionHandler {
	return &ConnectionHandler{
		sessions:    sessions,
		connections: db.NewConnectionDB(database.DB()),
		appURL:      appURL,
	}
}

// RegisterRoutes registers connection management routes.
func (h *ConnectionHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/connections", h.Create)
}

type createConnectionRequest struct {
	Name string `json:"name" binding:"required"`
}

// Create mints a new tenant endpoint for the logged-in user and returns its
// URL, which doubles as the OAuth resource/audience value.
func (h *ConnectionHandler) Create(c *gin.Context) {
	claims := h.sessions.SessionUser(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": "login required"})
		return
	}

	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": "name is required"})
		return
	}

	conn, err := h.connections.CreateConnection(c.Request.Context(), claims.UserID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_SERVER_ERROR"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":           conn.ID,
		"name":         conn.Name,
		"endpointUuid": conn.EndpointUUID,
		"endpointUrl":  h.appURL + "/mcp/" + conn.EndpointUUID,
	})
}
