package router

import (
	"context"
	"testing"

	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/registry"
)

func TestAggregateToolsFallbackCatalog(t *testing.T) {
	r := &Router{registry: &fakeRegistry{}, log: logger.Router()}

	tools := r.AggregateTools(context.Background(), "user-1")
	if len(tools) == 0 {
		t.Fatal("Expected the built-in fallback catalog")
	}

	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Name] = true
	}
	for _, expected := range []string{"desktop_screenshot", "system_info", "screen_find_text",
		"screen_find_image", ToolListAgents, ToolEmergencyStop} {
		if !names[expected] {
			t.Errorf("Fallback catalog missing %s", expected)
		}
	}
}

func TestAggregateToolsUsesCachedCatalog(t *testing.T) {
	agent := registry.NewAgentForTesting("conn-1", "toolful")
	agent.OwnerUserID = "user-1"
	agent.SetTools([]models.Tool{
		{Name: "custom_tool", Description: "does things"},
	})
	r := &Router{registry: &fakeRegistry{agents: []*registry.ConnectedAgent{agent}}, log: logger.Router()}

	tools := r.AggregateTools(context.Background(), "user-1")

	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Name] = true
	}
	if !names["custom_tool"] {
		t.Error("Expected the agent's cached tool")
	}
	// Broker built-ins ride along with agent catalogs.
	if !names[ToolListAgents] || !names[ToolEmergencyStop] {
		t.Error("Expected broker built-ins alongside agent tools")
	}
}

func TestAggregateToolsFirstWriterWinsOnCollision(t *testing.T) {
	a := registry.NewAgentForTesting("conn-a", "first")
	a.OwnerUserID = "user-1"
	a.SetTools([]models.Tool{{Name: "shared_tool", Description: "from first"}})

	b := registry.NewAgentForTesting("conn-b", "second")
	b.OwnerUserID = "user-1"
	b.SetTools([]models.Tool{{Name: "shared_tool", Description: "from second"}})

	r := &Router{registry: &fakeRegistry{agents: []*registry.ConnectedAgent{a, b}}, log: logger.Router()}

	tools := r.AggregateTools(context.Background(), "user-1")
	count := 0
	var kept models.Tool
	for _, tool := range tools {
		if tool.Name == "shared_tool" {
			count++
			kept = tool
		}
	}
	if count != 1 {
		t.Fatalf("Expected a single shared_tool entry, got %d", count)
	}
	if kept.Description != "from first" {
		t.Errorf("Expected first writer to win, got %q", kept.Description)
	}
}

func TestHasTool(t *testing.T) {
	agent := registry.NewAgentForTesting("conn-1", "toolful")
	agent.OwnerUserID = "user-1"
	agent.SetTools([]models.Tool{{Name: "custom_tool"}})
	r := &Router{registry: &fakeRegistry{agents: []*registry.ConnectedAgent{agent}}, log: logger.Router()}

	if !r.HasTool(context.Background(), "user-1", "custom_tool") {
		t.Error("Expected custom_tool to be present")
	}
	if r.HasTool(context.Background(), "user-1", "missing_tool") {
		t.Error("Expected missing_tool to be absent")
	}
}
