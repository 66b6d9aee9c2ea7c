package router

import (
	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/registry"
)

// Methods a PENDING (not yet activated) agent may still serve.
var pendingAllowed = map[string]bool{
	"ping":    true,
	"status":  true,
	"getInfo": true,
}

// Methods that work while the screen is locked. Filesystem reads and shell
// execution do not need an unlocked session; input synthesis and capture do.
var screenLockedAllowed = map[string]bool{
	"ping":       true,
	"status":     true,
	"getInfo":    true,
	"fs_list":    true,
	"fs_read":    true,
	"shell_exec": true,
}

// CheckPreconditions gates a tool forward on the agent's lifecycle state,
// license projection and screen lock. Returns the denial message, or "" when
// the command may proceed.
//
// The denial is surfaced as an isError tool result rather than a failed RPC
// so the calling AI can reason about it.
func CheckPreconditions(agent *registry.ConnectedAgent, method string) string {
	switch agent.State() {
	case models.AgentStateBlocked:
		return "Agent is blocked"
	case models.AgentStateExpired:
		return "License expired"
	case models.AgentStatePending:
		// Activation probes are allowed through on a pending license.
		if !pendingAllowed[method] {
			return "Agent awaiting activation"
		}
	default:
		if agent.LicenseStatus != registry.LicenseActive {
			return "License not active"
		}
	}

	if agent.IsScreenLocked() && !screenLockedAllowed[method] {
		return "Screen is locked"
	}

	return ""
}
