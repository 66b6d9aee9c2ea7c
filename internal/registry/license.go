package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// Projected license statuses pushed to agents. Lowercase on the wire,
// distinct from the uppercase persisted enums they are derived from.
const (
	LicenseActive  = "active"
	LicensePending = "pending"
	LicenseExpired = "expired"
	LicenseBlocked = "blocked"
)

// ProjectLicenseStatus derives the wire license status from the agent's
// lifecycle state and its license row. Precedence is highest-first: an
// explicit agent state wins over anything derived from the license.
func ProjectLicenseStatus(agentState string, lic *models.License, now time.Time) string {
	switch agentState {
	case models.AgentStateBlocked:
		return LicenseBlocked
	case models.AgentStateExpired:
		return LicenseExpired
	case models.AgentStateActive:
		return LicenseActive
	}

	// PENDING (or unknown): derive from the license row.
	if lic == nil {
		return LicensePending
	}
	switch lic.Status {
	case models.LicenseStatusSuspended:
		return LicenseBlocked
	case models.LicenseStatusExpired:
		return LicenseExpired
	case models.LicenseStatusActive:
		if lic.ValidUntil != nil && lic.ValidUntil.Before(now) {
			return LicenseExpired
		}
		if lic.IsTrial && lic.TrialEnds != nil && lic.TrialEnds.Before(now) {
			return LicenseExpired
		}
		if agentState == models.AgentStatePending {
			return LicensePending
		}
		return LicenseActive
	}
	return LicensePending
}

// LicenseCheck is the outcome of a heartbeat-time license projection.
type LicenseCheck struct {
	Status  string
	Changed bool
	Message string
	Config  *models.AgentConfig
}

// CheckLicenseStatus re-projects an agent's license on heartbeat. When the
// projection downgrades active → expired/blocked, the agent's persisted state
// follows and the returned check carries Changed=true with the new config so
// the heartbeat_ack can deliver it.
func (r *Registry) CheckLicenseStatus(ctx context.Context, agent *ConnectedAgent) (*LicenseCheck, error) {
	row, err := r.agents.GetAgentByID(ctx, agent.DBID)
	if err != nil {
		return nil, fmt.Errorf("license check failed: %w", err)
	}
	lic, err := r.licenses.GetLicenseByID(ctx, row.LicenseID)
	if err != nil {
		// A license row should always exist; project from state alone if not.
		lic = nil
	}

	now := time.Now()
	projected := ProjectLicenseStatus(row.State, lic, now)
	previous := agent.LicenseStatus

	check := &LicenseCheck{Status: projected}

	if previous == LicenseActive && (projected == LicenseExpired || projected == LicenseBlocked) {
		newState := models.AgentStateExpired
		check.Message = "License expired"
		if projected == LicenseBlocked {
			newState = models.AgentStateBlocked
			check.Message = "License blocked"
		}
		if err := r.agents.SetAgentState(ctx, agent.DBID, newState); err != nil {
			return nil, err
		}
		agent.SetState(newState)
		check.Changed = true
		check.Config = &models.AgentConfig{
			HeartbeatInterval: models.HeartbeatIntervalFor(agent.PowerState()),
			GraceHours:        GraceHours,
		}
	}

	agent.SetLicense(projected, "")
	return check, nil
}
