package terminal

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/screenlink/screenlink/broker/internal/auth"
)

// Handler serves the terminal HTTP surface: token minting for logged-in
// users and the viewer WebSocket endpoint.
type Handler struct {
	manager  *Manager
	sessions *auth.Handler
	upgrader websocket.Upgrader
}

// NewHandler creates a terminal handler.
func NewHandler(manager *Manager, sessions *auth.Handler) *Handler {
	return &Handler{
		manager:  manager,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// The one-shot token is the authorization; origin checks
				// would block embedded viewers.
				return true
			},
		},
	}
}

// RegisterRoutes registers the terminal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/terminal/token", h.MintToken)
	r.GET("/terminal/connect", h.HandleViewer)
}

type mintTokenRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

// MintToken creates a one-shot viewer token for one of the caller's agents.
// Requires a logged-in session; the agent must be online and owned by the
// caller.
func (h *Handler) MintToken(c *gin.Context) {
	claims := h.sessions.SessionUser(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": "login required"})
		return
	}

	var req mintTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": "agentId is required"})
		return
	}

	agent := h.manager.registry.GetAgent(req.AgentID)
	if agent == nil || agent.OwnerUserID != claims.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "agent not found"})
		return
	}

	tok, expires, err := h.manager.CreateSessionToken(agent.ConnectionID, claims.UserID, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_SERVER_ERROR"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "expiresAt": expires})
}

// HandleViewer upgrades the viewer socket and runs the relay. The token
// arrives as a query parameter because browsers cannot set WebSocket headers.
func (h *Handler) HandleViewer(c *gin.Context) {
	tok := c.Query("token")
	if tok == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": "token query parameter is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	if err := h.manager.CreateSession(conn, tok, c.ClientIP()); err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		conn.Close()
	}
}
