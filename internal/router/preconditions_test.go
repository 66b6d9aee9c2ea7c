package router

import (
	"testing"

	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/registry"
)

func preconditionAgent(state, licenseStatus string, screenLocked bool) *registry.ConnectedAgent {
	a := registry.NewAgentForTesting("conn-1", "test-agent")
	a.SetState(state)
	a.LicenseStatus = licenseStatus
	if screenLocked {
		locked := true
		a.ApplyStateChange(&models.HeartbeatPayload{IsScreenLocked: &locked})
	}
	return a
}

func TestCheckPreconditionsBlockedAgent(t *testing.T) {
	a := preconditionAgent(models.AgentStateBlocked, registry.LicenseBlocked, false)
	if deny := CheckPreconditions(a, "desktop_screenshot"); deny != "Agent is blocked" {
		t.Errorf("Expected 'Agent is blocked', got %q", deny)
	}
	// Blocked wins over everything, including probe methods.
	if deny := CheckPreconditions(a, "ping"); deny != "Agent is blocked" {
		t.Errorf("Expected 'Agent is blocked' for ping too, got %q", deny)
	}
}

func TestCheckPreconditionsExpiredAgent(t *testing.T) {
	a := preconditionAgent(models.AgentStateExpired, registry.LicenseExpired, false)
	if deny := CheckPreconditions(a, "desktop_screenshot"); deny != "License expired" {
		t.Errorf("Expected 'License expired', got %q", deny)
	}
}

func TestCheckPreconditionsInactiveLicense(t *testing.T) {
	a := preconditionAgent(models.AgentStateActive, registry.LicenseExpired, false)
	if deny := CheckPreconditions(a, "desktop_screenshot"); deny != "License not active" {
		t.Errorf("Expected 'License not active', got %q", deny)
	}
}

func TestCheckPreconditionsPendingAgent(t *testing.T) {
	a := preconditionAgent(models.AgentStatePending, registry.LicensePending, false)

	// Activation probes pass.
	for _, m := range []string{"ping", "status", "getInfo"} {
		if deny := CheckPreconditions(a, m); deny != "" {
			t.Errorf("Expected %s to pass on pending agent, got %q", m, deny)
		}
	}
	// Everything else is held until activation.
	if deny := CheckPreconditions(a, "desktop_screenshot"); deny != "Agent awaiting activation" {
		t.Errorf("Expected 'Agent awaiting activation', got %q", deny)
	}
}

func TestCheckPreconditionsScreenLocked(t *testing.T) {
	a := preconditionAgent(models.AgentStateActive, registry.LicenseActive, true)

	// Non-interactive methods still work on a locked screen.
	for _, m := range []string{"ping", "status", "getInfo", "fs_list", "fs_read", "shell_exec"} {
		if deny := CheckPreconditions(a, m); deny != "" {
			t.Errorf("Expected %s to pass on locked screen, got %q", m, deny)
		}
	}
	// Input synthesis and capture do not.
	for _, m := range []string{"desktop_screenshot", "mouse_click", "keyboard_type"} {
		if deny := CheckPreconditions(a, m); deny != "Screen is locked" {
			t.Errorf("Expected 'Screen is locked' for %s, got %q", m, deny)
		}
	}
}

func TestCheckPreconditionsHealthyAgent(t *testing.T) {
	a := preconditionAgent(models.AgentStateActive, registry.LicenseActive, false)
	if deny := CheckPreconditions(a, "desktop_screenshot"); deny != "" {
		t.Errorf("Expected pass, got %q", deny)
	}
}
