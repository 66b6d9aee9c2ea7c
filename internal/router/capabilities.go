// Package router: capability aggregation.
//
// Agents advertise their tool catalog at runtime. tools/list asks every
// online agent owned by the caller, caching each agent's catalog on its
// connection entry, and merges the union. When no agent advertises anything,
// a built-in desktop-control catalog is returned so clients can still see
// the shape of the API.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/registry"
)

// ErrNoAgentsOnline is returned when a user has no connected agents.
var ErrNoAgentsOnline = errors.New("no agents online: install and start the desktop agent, then retry")

// Built-in broker tools handled without forwarding.
const (
	ToolListAgents    = "list_agents"
	ToolEmergencyStop = "emergency_stop"
)

// capabilityFetchTimeout bounds the synchronous tools/list exchange with one
// agent so a wedged agent cannot stall the whole listing.
const capabilityFetchTimeout = 10 * time.Second

// AggregateTools returns the merged tool catalog across every online agent
// owned by the user.
//
// Catalogs are cached per connection; an agent with no cache gets a
// synchronous tools/list request. On a tool-name collision the first writer
// wins and the collision is logged — tools should be globally unique in
// practice.
func (r *Router) AggregateTools(ctx context.Context, userID string) []models.Tool {
	agents := r.registry.OnlineAgentsForUser(userID)

	merged := make(map[string]models.Tool)
	var order []string

	for _, agent := range agents {
		tools := agent.Tools()
		if tools == nil {
			tools = r.fetchTools(ctx, agent)
		}
		for _, t := range tools {
			if _, exists := merged[t.Name]; exists {
				r.log.Warn().
					Str("tool", t.Name).
					Str("agentId", agent.DBID).
					Msg("Tool name collision across agents, keeping first")
				continue
			}
			merged[t.Name] = t
			order = append(order, t.Name)
		}
	}

	if len(merged) == 0 {
		return builtinCatalog()
	}

	out := make([]models.Tool, 0, len(order)+2)
	for _, name := range order {
		out = append(out, merged[name])
	}
	// Broker-handled tools are always present.
	if _, ok := merged[ToolListAgents]; !ok {
		out = append(out, builtinListAgentsTool())
	}
	if _, ok := merged[ToolEmergencyStop]; !ok {
		out = append(out, builtinEmergencyStopTool())
	}
	return out
}

// fetchTools performs the synchronous capability fetch against one agent and
// caches the result. Failures return an empty (cached) catalog so the agent
// is not re-polled on every listing.
func (r *Router) fetchTools(ctx context.Context, agent *registry.ConnectedAgent) []models.Tool {
	fetchCtx, cancel := context.WithTimeout(ctx, capabilityFetchTimeout)
	defer cancel()

	raw, err := r.dispatch(fetchCtx, agent, "tools/list", nil, registry.CommandMeta{})
	if err != nil {
		r.log.Warn().Err(err).Str("agentId", agent.DBID).Msg("Capability fetch failed")
		agent.SetTools([]models.Tool{})
		return nil
	}

	var parsed struct {
		Tools []models.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Some agents reply with a bare array.
		var tools []models.Tool
		if err2 := json.Unmarshal(raw, &tools); err2 != nil {
			r.log.Warn().Err(err).Str("agentId", agent.DBID).Msg("Unparseable capability reply")
			agent.SetTools([]models.Tool{})
			return nil
		}
		parsed.Tools = tools
	}

	agent.SetTools(parsed.Tools)
	return parsed.Tools
}

// HasTool reports whether any online agent owned by the user advertises the
// named tool.
func (r *Router) HasTool(ctx context.Context, userID, name string) bool {
	for _, t := range r.AggregateTools(ctx, userID) {
		if t.Name == name {
			return true
		}
	}
	return false
}

func builtinListAgentsTool() models.Tool {
	return models.Tool{
		Name:        ToolListAgents,
		Description: "List this user's desktop agents with their OS, status, and last-seen time",
		InputSchema: objectSchema(nil),
	}
}

func builtinEmergencyStopTool() models.Tool {
	return models.Tool{
		Name:        ToolEmergencyStop,
		Description: "Cancel every in-flight command on the selected agent immediately",
		InputSchema: objectSchema(map[string]interface{}{
			"agentId": map[string]interface{}{"type": "string", "description": "Agent name to stop; omit to stop all"},
		}),
	}
}

// builtinCatalog is the fallback advertised when no agent reports tools. It
// mirrors the desktop-control surface every agent build ships with.
func builtinCatalog() []models.Tool {
	type entry struct{ name, desc string }
	entries := []entry{
		{"desktop_screenshot", "Capture the current screen"},
		{"mouse_move", "Move the mouse cursor to screen coordinates"},
		{"mouse_click", "Click a mouse button at the current or given position"},
		{"mouse_drag", "Drag from one screen position to another"},
		{"mouse_scroll", "Scroll the mouse wheel"},
		{"keyboard_type", "Type a string of text"},
		{"keyboard_press", "Press a key or key combination"},
		{"window_list", "List open windows"},
		{"window_focus", "Bring a window to the foreground"},
		{"window_resize", "Move or resize a window"},
		{"app_launch", "Launch an application"},
		{"app_quit", "Quit an application"},
		{"clipboard_read", "Read the clipboard contents"},
		{"clipboard_write", "Write text to the clipboard"},
		{"file_list", "List files in a directory"},
		{"file_read", "Read a file's contents"},
		{"file_write", "Write contents to a file"},
		{"system_info", "Report OS, hardware, and agent version details"},
		{"screen_find_text", "Locate text on screen via OCR"},
		{"screen_find_image", "Locate an image template on screen"},
	}
	out := make([]models.Tool, 0, len(entries)+2)
	for _, e := range entries {
		out = append(out, models.Tool{Name: e.name, Description: e.desc, InputSchema: objectSchema(nil)})
	}
	out = append(out, builtinListAgentsTool(), builtinEmergencyStopTool())
	return out
}

func objectSchema(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		props = map[string]interface{}{}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
}
