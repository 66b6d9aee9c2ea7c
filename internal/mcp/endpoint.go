// Package mcp implements the tenant endpoint /mcp/{uuid} that AI clients
// speak JSON-RPC to.
//
// Every request runs the same pipeline:
//  1. Fixed-window rate limit by client IP (before any lookup)
//  2. Endpoint lookup by uuid — unknown endpoints are 404
//  3. Bearer token validation: live token, matching audience, active
//     connection; failures carry RFC 6750 WWW-Authenticate headers
//  4. Fixed-window rate limit by connection id (100 req/min)
//  5. Usage accounting (total_requests, last_used_at)
//  6. Method dispatch: POST JSON-RPC, GET SSE, DELETE close, OPTIONS CORS
package mcp

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/screenlink/screenlink/broker/internal/db"
	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/middleware"
	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/registry"
	"github.com/screenlink/screenlink/broker/internal/router"
	"github.com/screenlink/screenlink/broker/internal/scope"
	"github.com/screenlink/screenlink/broker/internal/token"
)

// SessionIDHeader carries the AI client's session id.
const SessionIDHeader = "Mcp-Session-Id"

// ssePingInterval is the keep-alive comment cadence on SSE streams.
const ssePingInterval = 30 * time.Second

// Handler serves the tenant endpoint.
type Handler struct {
	connections *db.ConnectionDB
	oauth       *db.OAuthDB
	agents      *db.AgentDB
	registry    *registry.Registry
	router      *router.Router
	codec       *token.Codec
	connLimiter *middleware.FixedWindowLimiter
	appURL      string
	version     string
	log         *zerolog.Logger
}

// NewHandler creates the tenant endpoint handler.
func NewHandler(database *db.Database, reg *registry.Registry, cmdRouter *router.Router, appURL, version string) *Handler {
	return &Handler{
		connections: db.NewConnectionDB(database.DB()),
		oauth:       db.NewOAuthDB(database.DB()),
		agents:      db.NewAgentDB(database.DB()),
		registry:    reg,
		router:      cmdRouter,
		codec:       token.NewCodec(),
		connLimiter: middleware.NewFixedWindowLimiter(middleware.AuthenticatedLimit, time.Minute),
		appURL:      appURL,
		version:     version,
		log:         logger.MCP(),
	}
}

// RegisterRoutes registers the endpoint under /mcp/:uuid. The IP limiter is
// applied as route middleware so it runs before anything else.
func (h *Handler) RegisterRoutes(r *gin.Engine, ipLimiter *middleware.FixedWindowLimiter) {
	group := r.Group("/mcp", ipLimiter.ByIP())
	group.POST("/:uuid", h.handlePost)
	group.GET("/:uuid", h.handleSSE)
	group.DELETE("/:uuid", h.handleDelete)
	group.OPTIONS("/:uuid", h.handleOptions)
}

// authContext is the validated request context shared by all verbs.
type authContext struct {
	connection *models.McpConnection
	token      *models.OAuthAccessToken
	sessionID  string
}

// unauthorized writes 401 with the RFC 6750 challenge.
func (h *Handler) unauthorized(c *gin.Context, description string) {
	c.Header("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="mcp", error="invalid_token", error_description=%q`, description))
	c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "message": description})
}

// forbidden writes 403 insufficient_scope.
func (h *Handler) forbidden(c *gin.Context, description string) {
	c.Header("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm="mcp", error="insufficient_scope", error_description=%q`, description))
	c.JSON(http.StatusForbidden, gin.H{"error": "insufficient_scope", "message": description})
}

// authenticate runs pipeline steps 2-5. Returns nil after writing the error
// response when any step fails.
func (h *Handler) authenticate(c *gin.Context) *authContext {
	endpointUUID := c.Param("uuid")

	conn, err := h.connections.GetConnectionByEndpointUUID(c.Request.Context(), endpointUUID)
	if err != nil {
		h.log.Error().Err(err).Msg("Endpoint lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_SERVER_ERROR"})
		return nil
	}
	if conn == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "Unknown endpoint"})
		return nil
	}

	authHeader := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
		h.unauthorized(c, "missing bearer token")
		return nil
	}
	raw := authHeader[len(prefix):]

	tok, err := h.oauth.GetAccessTokenByHash(c.Request.Context(), h.codec.HashToken(raw))
	if err != nil {
		h.log.Error().Err(err).Msg("Token lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_SERVER_ERROR"})
		return nil
	}
	if tok == nil {
		h.unauthorized(c, "unknown token")
		return nil
	}
	if tok.RevokedAt != nil {
		h.unauthorized(c, "token revoked")
		return nil
	}
	if time.Now().After(tok.AccessExpiresAt) {
		h.unauthorized(c, "token expired")
		return nil
	}

	expectedAudience := h.appURL + "/mcp/" + endpointUUID
	if !token.AudienceMatches(tok.Audience, expectedAudience) {
		// A valid token for the wrong endpoint: the caller is authenticated
		// but not authorized here.
		h.forbidden(c, "token audience does not match this endpoint")
		return nil
	}
	if conn.Status != models.ConnectionStatusActive {
		h.unauthorized(c, "connection revoked")
		return nil
	}

	if !h.connLimiter.AllowConnection(c, conn.ID) {
		return nil
	}

	// Usage accounting; failures are logged, not fatal.
	if err := h.oauth.TouchAccessToken(c.Request.Context(), tok.ID); err != nil {
		h.log.Warn().Err(err).Msg("Failed to touch access token")
	}
	if err := h.connections.TouchConnection(c.Request.Context(), conn.ID); err != nil {
		h.log.Warn().Err(err).Msg("Failed to touch connection")
	}

	sessionID := c.GetHeader(SessionIDHeader)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	return &authContext{connection: conn, token: tok, sessionID: sessionID}
}

// handlePost serves JSON-RPC requests.
func (h *Handler) handlePost(c *gin.Context) {
	ac := h.authenticate(c)
	if ac == nil {
		return
	}

	var req models.JSONRPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Header(SessionIDHeader, ac.sessionID)
		c.JSON(http.StatusOK, models.JSONRPCResponse{
			JSONRPC: models.JSONRPCVersion,
			Error:   &models.JSONRPCError{Code: -32700, Message: "Parse error"},
		})
		return
	}

	h.auditRequest(c, ac, &req)

	// Scope gating happens at the HTTP layer: a valid token without the
	// method's scope is a 403, not a JSON-RPC error.
	if required := scope.RequiredForMethod(req.Method); required != "" && !req.IsNotification() {
		if !scope.Has(ac.token.Scope, required) {
			h.forbidden(c, "scope "+required+" required for "+req.Method)
			return
		}
	}

	// Notifications execute but never respond; errors inside them are
	// logged only.
	if req.IsNotification() {
		if _, rpcErr := h.dispatch(c, ac, &req); rpcErr != nil {
			h.log.Debug().
				Str("method", req.Method).
				Int("code", rpcErr.Code).
				Msg("Notification handler error (swallowed)")
		}
		c.Header(SessionIDHeader, ac.sessionID)
		c.Status(http.StatusAccepted)
		return
	}

	result, rpcErr := h.dispatch(c, ac, &req)

	c.Header(SessionIDHeader, ac.sessionID)
	resp := models.JSONRPCResponse{JSONRPC: models.JSONRPCVersion, ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	c.JSON(http.StatusOK, resp)
}

// handleSSE serves the event stream: one initialized notification, then a
// ping comment every 30 seconds until the client disconnects.
func (h *Handler) handleSSE(c *gin.Context) {
	ac := h.authenticate(c)
	if ac == nil {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("Connection", "keep-alive")
	c.Header(SessionIDHeader, ac.sessionID)
	c.Writer.WriteHeader(http.StatusOK)

	fmt.Fprintf(c.Writer, "data: %s\n\n",
		`{"jsonrpc":"2.0","method":"notifications/initialized","params":{}}`)
	c.Writer.Flush()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// handleDelete closes the AI session.
func (h *Handler) handleDelete(c *gin.Context) {
	ac := h.authenticate(c)
	if ac == nil {
		return
	}
	if err := h.connections.CloseAiConnection(c.Request.Context(), ac.sessionID); err != nil {
		h.log.Warn().Err(err).Msg("Failed to close ai connection")
	}
	c.Header(SessionIDHeader, ac.sessionID)
	c.Status(http.StatusNoContent)
}

// handleOptions serves the CORS preflight. No authentication.
func (h *Handler) handleOptions(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, "+SessionIDHeader)
	c.Header("Access-Control-Max-Age", "86400")
	c.Status(http.StatusNoContent)
}

// auditRequest appends one mcp_request_logs row; failures never block the
// request.
func (h *Handler) auditRequest(c *gin.Context, ac *authContext, req *models.JSONRPCRequest) {
	var toolName *string
	if req.Method == "tools/call" {
		if params := parseToolCallParams(req.Params); params != nil && params.Name != "" {
			toolName = &params.Name
		}
	}
	ip := c.ClientIP()
	if err := h.connections.InsertRequestLog(c.Request.Context(), ac.connection.ID,
		ac.connection.UserID, req.Method, toolName, http.StatusOK, &ip); err != nil {
		h.log.Warn().Err(err).Msg("Failed to write request log")
	}
}
