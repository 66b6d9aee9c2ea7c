// Package mcp: JSON-RPC method dispatch.
//
// Methods:
//   - initialize            → protocol handshake
//   - tools/list            → aggregated agent catalogs (scope mcp:tools)
//   - tools/call            → select agent, check preconditions, forward
//   - resources/list, prompts/list → empty collections
//   - ping                  → {}
//   - notifications/*       → accepted and swallowed
//
// Precondition denials inside tools/call come back as isError tool results,
// not RPC errors, so the calling AI can read and reason about them.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/screenlink/screenlink/broker/internal/errors"
	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/registry"
	"github.com/screenlink/screenlink/broker/internal/router"
)

// dispatch routes one JSON-RPC request to its handler.
func (h *Handler) dispatch(c *gin.Context, ac *authContext, req *models.JSONRPCRequest) (interface{}, *models.JSONRPCError) {
	if req.JSONRPC != "" && req.JSONRPC != models.JSONRPCVersion {
		return nil, &models.JSONRPCError{Code: errors.JSONRPCInvalidRequest, Message: "jsonrpc must be \"2.0\""}
	}

	switch {
	case req.Method == "initialize":
		return h.handleInitialize(c, ac, req)

	case req.Method == "tools/list":
		return gin.H{"tools": h.router.AggregateTools(c.Request.Context(), ac.connection.UserID)}, nil

	case req.Method == "tools/call":
		return h.handleToolCall(c, ac, req)

	case req.Method == "resources/list":
		return gin.H{"resources": []interface{}{}}, nil

	case req.Method == "prompts/list":
		return gin.H{"prompts": []interface{}{}}, nil

	case req.Method == "ping":
		return gin.H{}, nil

	case strings.HasPrefix(req.Method, "notifications/"):
		return gin.H{}, nil

	default:
		return nil, &models.JSONRPCError{Code: errors.JSONRPCMethodNotFound, Message: "Method not found: " + req.Method}
	}
}

func (h *Handler) handleInitialize(c *gin.Context, ac *authContext, req *models.JSONRPCRequest) (interface{}, *models.JSONRPCError) {
	var params struct {
		ClientInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}

	var clientName, clientVersion *string
	if params.ClientInfo.Name != "" {
		clientName = &params.ClientInfo.Name
	}
	if params.ClientInfo.Version != "" {
		clientVersion = &params.ClientInfo.Version
	}
	if err := h.connections.UpsertAiConnection(c.Request.Context(), ac.sessionID,
		ac.connection.UserID, clientName, clientVersion); err != nil {
		h.log.Warn().Err(err).Msg("Failed to record ai connection")
	}

	return gin.H{
		"protocolVersion": models.MCPProtocolVersion,
		"capabilities": gin.H{
			"tools":     gin.H{},
			"resources": gin.H{},
			"prompts":   gin.H{},
		},
		"serverInfo": gin.H{
			"name":    "screenlink-broker",
			"version": h.version,
		},
	}, nil
}

func parseToolCallParams(raw json.RawMessage) *models.ToolCallParams {
	if len(raw) == 0 {
		return nil
	}
	var p models.ToolCallParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return &p
}

// handleToolCall runs the full tools/call pipeline: resolve the agent from
// arguments.agentId, check preconditions, forward, normalize the reply.
func (h *Handler) handleToolCall(c *gin.Context, ac *authContext, req *models.JSONRPCRequest) (interface{}, *models.JSONRPCError) {
	params := parseToolCallParams(req.Params)
	if params == nil || params.Name == "" {
		return nil, &models.JSONRPCError{Code: errors.JSONRPCInvalidParams, Message: "tools/call requires a tool name"}
	}

	// Broker-handled tools first.
	switch params.Name {
	case router.ToolListAgents:
		return h.handleListAgents(c, ac)
	case router.ToolEmergencyStop:
		return h.handleEmergencyStop(ac, params)
	}

	// A name absent from every advertised catalog (including the built-in
	// fallback) is method-not-found, not a blind forward.
	if !h.router.HasTool(c.Request.Context(), ac.connection.UserID, params.Name) {
		return nil, &models.JSONRPCError{Code: errors.JSONRPCMethodNotFound, Message: "Unknown tool: " + params.Name}
	}

	requested := ""
	if params.Arguments != nil {
		if v, ok := params.Arguments["agentId"].(string); ok {
			requested = v
		}
	}

	selection, err := h.router.SelectAgent(ac.connection.UserID, requested)
	if err != nil {
		return models.ErrorResult(err.Error()), nil
	}
	if selection.Agent == nil {
		if selection.Suggestion != "" {
			return models.ErrorResult(fmt.Sprintf(
				"Did you mean %q? Re-run with agentId set to that name to confirm.",
				selection.Suggestion)), nil
		}
		return models.ErrorResult(fmt.Sprintf(
			"Multiple agents are online; specify agentId. Candidates: %s",
			strings.Join(selection.Candidates, ", "))), nil
	}
	agent := selection.Agent

	if deny := router.CheckPreconditions(agent, params.Name); deny != "" {
		return models.ErrorResult(deny), nil
	}

	args := params.Arguments
	if args != nil {
		// The agent id is broker routing detail, not tool input.
		delete(args, "agentId")
	}

	ip := c.ClientIP()
	meta := registry.CommandMeta{
		ToolName:  &params.Name,
		IPAddress: &ip,
	}
	connID := ac.connection.ID
	meta.AIConnectionID = &connID

	raw, err := h.router.SendCommand(c.Request.Context(), agent.ConnectionID, "tools/call",
		map[string]interface{}{"name": params.Name, "arguments": args}, meta)
	if err != nil {
		return models.ErrorResult(err.Error()), nil
	}

	return normalizeToolResult(raw), nil
}

// normalizeToolResult converts whatever the agent returned into MCP content
// blocks:
//   - objects carrying imageData/data/base64 become image content
//   - objects with an explicit error become isError text
//   - other objects are JSON-serialized into text
//   - strings pass through
func normalizeToolResult(raw json.RawMessage) *models.ToolResult {
	if len(raw) == 0 {
		return models.TextResult("OK")
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return models.TextResult(asString)
	}

	var asObject map[string]interface{}
	if err := json.Unmarshal(raw, &asObject); err == nil {
		if errVal, ok := asObject["error"]; ok && errVal != nil {
			return models.ErrorResult(fmt.Sprintf("%v", errVal))
		}
		for _, key := range []string{"imageData", "data", "base64"} {
			if v, ok := asObject[key].(string); ok && v != "" {
				mime, _ := asObject["mimeType"].(string)
				return models.ImageResult(v, mime)
			}
		}
		// Already-normalized results pass through untouched.
		if _, ok := asObject["content"]; ok {
			var tr models.ToolResult
			if err := json.Unmarshal(raw, &tr); err == nil && len(tr.Content) > 0 {
				return &tr
			}
		}
	}

	pretty, err := json.Marshal(json.RawMessage(raw))
	if err != nil {
		return models.TextResult(string(raw))
	}
	return models.TextResult(string(pretty))
}

// handleListAgents returns the user's agents with display fields only —
// internal ids never leak to callers.
func (h *Handler) handleListAgents(c *gin.Context, ac *authContext) (interface{}, *models.JSONRPCError) {
	rows, err := h.agents.GetAgentsForUser(c.Request.Context(), ac.connection.UserID)
	if err != nil {
		return nil, &models.JSONRPCError{Code: errors.JSONRPCInternalError, Message: "Failed to list agents"}
	}

	type agentEntry struct {
		Name     string `json:"name"`
		OS       string `json:"os"`
		Status   string `json:"status"`
		LastSeen string `json:"lastSeen"`
	}
	entries := make([]agentEntry, 0, len(rows))
	for _, a := range rows {
		entries = append(entries, agentEntry{
			Name:     a.Name(),
			OS:       a.OSType,
			Status:   a.Status,
			LastSeen: a.LastSeenAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	text, err := json.Marshal(entries)
	if err != nil {
		return nil, &models.JSONRPCError{Code: errors.JSONRPCInternalError, Message: "Failed to serialize agents"}
	}
	return models.TextResult(string(text)), nil
}

// handleEmergencyStop cancels all in-flight commands on the selected agents.
// Queued items are discarded, never re-dispatched.
func (h *Handler) handleEmergencyStop(ac *authContext, params *models.ToolCallParams) (interface{}, *models.JSONRPCError) {
	requested := ""
	if params.Arguments != nil {
		if v, ok := params.Arguments["agentId"].(string); ok {
			requested = v
		}
	}

	targets := h.registry.OnlineAgentsForUser(ac.connection.UserID)
	if requested != "" {
		selection, err := h.router.SelectAgent(ac.connection.UserID, requested)
		if err != nil {
			return models.ErrorResult(err.Error()), nil
		}
		if selection.Agent == nil {
			return models.ErrorResult("Could not identify which agent to stop; specify an exact name"), nil
		}
		targets = []*registry.ConnectedAgent{selection.Agent}
	}

	stopped := 0
	for _, agent := range targets {
		stopped += h.router.EmergencyStop(agent)
	}
	return models.TextResult(fmt.Sprintf("Emergency stop executed: %d command(s) cancelled on %d agent(s)",
		stopped, len(targets))), nil
}
