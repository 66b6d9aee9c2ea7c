// Package registry: the live socket index.
//
// The Registry keeps three lookup indices that must stay consistent:
//   - connection id → agent
//   - (customer id, machine id) → connection id
//   - database id → connection id
//
// Exactly one live socket exists per machine: registering a second socket for
// the same machine closes the first with code 1000 "New connection from same
// machine" before the new entry replaces the old in all three indices.
//
// Thread Safety: a single registry mutex guards the indices so register and
// unregister appear atomic to observers. Per-agent state has its own lock.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/screenlink/screenlink/broker/internal/db"
	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/models"
)

// GraceHours is how long an expired license keeps limited functionality.
// Pushed to agents in the registration config.
const GraceHours = 72

// DefaultQueueLimit bounds the per-agent sleep queue.
const DefaultQueueLimit = 100

// EventPublisher receives agent lifecycle notifications. Implementations
// must never block; the registry calls them with its lock released but from
// hot paths.
type EventPublisher interface {
	AgentOnline(agentID, userID string)
	AgentOffline(agentID, userID string)
}

// Registry is the central manager for all agent connections.
type Registry struct {
	mu sync.Mutex

	// byConn maps connection id → agent.
	byConn map[string]*ConnectedAgent
	// byMachine maps customerID|machineID → connection id.
	byMachine map[string]string
	// byDB maps database agent id → connection id.
	byDB map[string]string

	agents   *db.AgentDB
	users    *db.UserDB
	licenses *db.LicenseDB
	sessions *db.SessionDB

	events     EventPublisher
	queueLimit int
	log        *zerolog.Logger
}

// NewRegistry creates a new Registry instance.
//
// Example:
//
//	reg := registry.NewRegistry(database, events, registry.DefaultQueueLimit)
func NewRegistry(database *db.Database, events EventPublisher, queueLimit int) *Registry {
	if queueLimit <= 0 {
		queueLimit = DefaultQueueLimit
	}
	return &Registry{
		byConn:     make(map[string]*ConnectedAgent),
		byMachine:  make(map[string]string),
		byDB:       make(map[string]string),
		agents:     db.NewAgentDB(database.DB()),
		users:      db.NewUserDB(database.DB()),
		licenses:   db.NewLicenseDB(database.DB()),
		sessions:   db.NewSessionDB(database.DB()),
		events:     events,
		queueLimit: queueLimit,
		log:        logger.Registry(),
	}
}

// AgentDB exposes the agent repository for collaborating services.
func (r *Registry) AgentDB() *db.AgentDB {
	return r.agents
}

// ParseOSType normalizes a free-form OS string to the persisted enum.
func ParseOSType(osType string) string {
	lower := strings.ToLower(osType)
	switch {
	case strings.Contains(lower, "windows"), strings.Contains(lower, "win32"):
		return models.OSWindows
	case strings.Contains(lower, "linux"):
		return models.OSLinux
	default:
		return models.OSMacOS
	}
}

func machineKey(customerID, machineID string) string {
	return customerID + "|" + machineID
}

// Register processes a register frame from a new socket.
//
// Steps, in order:
//  1. Displace any existing socket for the same machine (close 1000,
//     synchronous unregister).
//  2. Upsert the agent row by (customerId, machineId); first sight creates a
//     system user and a trial license.
//  3. Project the license status and open an agent session row.
//  4. Install the agent in all three indices and send the registered frame.
func (r *Registry) Register(ctx context.Context, conn *websocket.Conn, payload *models.RegisterPayload, remoteAddr string) (*ConnectedAgent, error) {
	if payload == nil || payload.MachineID == "" {
		return nil, fmt.Errorf("registration rejected: missing machineId")
	}

	mk := machineKey(payload.CustomerID, payload.MachineID)

	// Displace the previous socket for this machine before installing the
	// new one. Done outside the index lock so the synchronous unregister can
	// take it.
	r.mu.Lock()
	oldConnID, displaced := r.byMachine[mk]
	r.mu.Unlock()
	if displaced {
		if old := r.lookup(oldConnID); old != nil {
			r.log.Info().
				Str("machineId", payload.MachineID).
				Str("oldConnection", oldConnID).
				Msg("Displacing existing connection from same machine")
			old.CloseWithCode(models.CloseDisplaced, models.CloseReasonDisplaced)
			r.Unregister(oldConnID, "Agent disconnected")
		}
	}

	osType := ParseOSType(payload.OSType)
	fields := db.RegisterFields{
		CustomerID:   payload.CustomerID,
		MachineID:    payload.MachineID,
		Hostname:     payload.Hostname,
		DisplayName:  payload.DisplayName,
		OSType:       osType,
		OSVersion:    payload.OSVersion,
		Arch:         payload.Arch,
		AgentVersion: payload.AgentVersion,
		IPAddress:    remoteAddr,
		Fingerprint:  payload.Fingerprint,
	}

	row, err := r.agents.GetAgentByMachine(ctx, payload.CustomerID, payload.MachineID)
	if err != nil {
		return nil, err
	}

	if row == nil {
		// First sight of this machine: ensure an owner and a trial license.
		owner, err := r.users.EnsureSystemUser(ctx, payload.CustomerID)
		if err != nil {
			return nil, err
		}
		lic, err := r.licenses.GetActiveLicenseForUser(ctx, owner.ID)
		if err != nil {
			return nil, err
		}
		if lic == nil {
			lic, err = r.licenses.CreateTrialLicense(ctx, owner.ID)
			if err != nil {
				return nil, err
			}
		}
		row, err = r.agents.CreateAgent(ctx, lic.ID, owner.ID, fields)
		if err != nil {
			return nil, err
		}
	} else {
		previousFP := row.MachineFingerprint
		newFP, err := r.agents.UpdateAgentOnRegister(ctx, row.ID, fields)
		if err != nil {
			return nil, err
		}
		if newFP != "" && previousFP != nil && *previousFP != "" && *previousFP != newFP {
			r.log.Warn().
				Str("agentId", row.ID).
				Msg("Machine fingerprint changed since last registration")
			if err := r.agents.RecordFingerprintChange(ctx, row.ID, "machine_fingerprint",
				previousFP, &newFP, "logged", payload.Fingerprint); err != nil {
				r.log.Error().Err(err).Msg("Failed to record fingerprint change")
			}
		}
		row, err = r.agents.GetAgentByID(ctx, row.ID)
		if err != nil {
			return nil, err
		}
	}

	lic, err := r.licenses.GetLicenseByID(ctx, row.LicenseID)
	if err != nil {
		lic = nil
	}
	licenseStatus := ProjectLicenseStatus(row.State, lic, time.Now())

	agent := newConnectedAgent(uuid.New().String(), conn, r.queueLimit)
	agent.DBID = row.ID
	agent.OwnerUserID = row.OwnerUserID
	agent.RemoteAddress = remoteAddr
	agent.CustomerID = payload.CustomerID
	agent.MachineID = payload.MachineID
	agent.MachineName = payload.MachineName
	agent.Hostname = payload.Hostname
	agent.DisplayName = payload.DisplayName
	agent.OSType = osType
	agent.OSVersion = payload.OSVersion
	agent.Arch = payload.Arch
	agent.AgentVersion = payload.AgentVersion
	agent.LicenseStatus = licenseStatus
	if row.LicenseUUID != nil {
		agent.LicenseUUID = *row.LicenseUUID
	} else {
		agent.LicenseUUID = row.LicenseID
	}
	agent.state = row.State
	agent.powerState = models.PowerStatePassive

	sessionID, err := r.sessions.OpenSession(ctx, row.ID, remoteAddr)
	if err != nil {
		return nil, err
	}
	agent.SessionID = sessionID

	r.mu.Lock()
	r.byConn[agent.ConnectionID] = agent
	r.byMachine[mk] = agent.ConnectionID
	r.byDB[agent.DBID] = agent.ConnectionID
	total := len(r.byConn)
	r.mu.Unlock()

	r.log.Info().
		Str("connectionId", agent.ConnectionID).
		Str("agentId", agent.DBID).
		Str("machineId", agent.MachineID).
		Str("licenseStatus", licenseStatus).
		Int("totalConnections", total).
		Msg("Agent registered")

	if r.events != nil {
		r.events.AgentOnline(agent.DBID, agent.OwnerUserID)
	}

	registered := models.RegisteredMessage{
		Type:          models.BrokerMsgRegistered,
		ID:            agent.ConnectionID,
		AgentID:       agent.DBID,
		LicenseStatus: licenseStatus,
		LicenseUUID:   agent.LicenseUUID,
		State:         row.State,
		PowerState:    agent.powerState,
		Config: models.AgentConfig{
			HeartbeatInterval: models.HeartbeatIntervalFor(agent.powerState),
			GraceHours:        GraceHours,
		},
	}
	if err := agent.SendJSON(registered); err != nil {
		r.log.Error().Err(err).Str("agentId", agent.DBID).Msg("Failed to send registered frame")
	}

	return agent, nil
}

// lookup resolves a connection id without touching the db indices.
func (r *Registry) lookup(connectionID string) *ConnectedAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byConn[connectionID]
}

// GetAgent resolves an agent by connection id or database id.
func (r *Registry) GetAgent(id string) *ConnectedAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byConn[id]; ok {
		return a
	}
	if connID, ok := r.byDB[id]; ok {
		return r.byConn[connID]
	}
	return nil
}

// OnlineAgentsForUser returns every connected agent owned by a user.
func (r *Registry) OnlineAgentsForUser(userID string) []*ConnectedAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ConnectedAgent
	for _, a := range r.byConn {
		if a.OwnerUserID == userID {
			out = append(out, a)
		}
	}
	return out
}

// AllAgents returns every connected agent.
func (r *Registry) AllAgents() []*ConnectedAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ConnectedAgent, 0, len(r.byConn))
	for _, a := range r.byConn {
		out = append(out, a)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

// Unregister tears down a connection: rejects every pending and queued
// command, removes all three index entries, marks the agent offline, and
// closes its session row.
func (r *Registry) Unregister(connectionID, reason string) {
	r.mu.Lock()
	agent, ok := r.byConn[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connectionID)
	mk := machineKey(agent.CustomerID, agent.MachineID)
	if r.byMachine[mk] == connectionID {
		delete(r.byMachine, mk)
	}
	if r.byDB[agent.DBID] == connectionID {
		delete(r.byDB, agent.DBID)
	}
	remaining := len(r.byConn)
	r.mu.Unlock()

	if reason == "" {
		reason = "Agent disconnected"
	}
	err := fmt.Errorf("%s", reason)
	for _, pr := range agent.TakeAllPending() {
		pr.Done <- CommandOutcome{Err: err}
	}
	for _, qc := range agent.DrainQueue() {
		qc.Done <- CommandOutcome{Err: err}
	}

	agent.markClosed()
	if agent.IsInternal {
		// Mock agents have a drain goroutine instead of a write pump;
		// closing the channel releases it. markClosed already fenced off
		// new sends.
		close(agent.Send)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if dbErr := r.agents.MarkAgentOffline(ctx, agent.DBID); dbErr != nil {
		r.log.Error().Err(dbErr).Str("agentId", agent.DBID).Msg("Failed to mark agent offline")
	}
	if dbErr := r.sessions.CloseSession(ctx, agent.SessionID); dbErr != nil {
		r.log.Error().Err(dbErr).Str("agentId", agent.DBID).Msg("Failed to close agent session")
	}

	r.log.Info().
		Str("connectionId", connectionID).
		Str("agentId", agent.DBID).
		Int("remainingConnections", remaining).
		Msg("Agent unregistered")

	if r.events != nil {
		r.events.AgentOffline(agent.DBID, agent.OwnerUserID)
	}
}

// UpdatePing stamps the last heartbeat time for an agent.
func (r *Registry) UpdatePing(agent *ConnectedAgent) {
	agent.TouchPing()
}

// UpdateState merges a heartbeat/state_change payload, persists the volatile
// fields, and returns the power state before the merge so callers can detect
// the SLEEP → awake edge.
func (r *Registry) UpdateState(ctx context.Context, agent *ConnectedAgent, payload *models.HeartbeatPayload) (prevPowerState string, err error) {
	prev := agent.ApplyStateChange(payload)
	powerState, locked, task := agent.Snapshot()
	if dbErr := r.agents.UpdateAgentHeartbeat(ctx, agent.DBID, powerState, locked, task); dbErr != nil {
		return prev, dbErr
	}
	return prev, nil
}

// HasPendingQueuedCommands reports whether a connection has commands waiting
// on wake.
func (r *Registry) HasPendingQueuedCommands(connectionID string) bool {
	agent := r.lookup(connectionID)
	return agent != nil && agent.QueuedCount() > 0
}

// SweepStale closes connections that have missed three heartbeat intervals.
// Run from the maintenance cron.
func (r *Registry) SweepStale() int {
	now := time.Now()
	closed := 0
	for _, agent := range r.AllAgents() {
		interval := time.Duration(models.HeartbeatIntervalFor(agent.PowerState())) * time.Second
		if now.Sub(agent.LastPing()) > 3*interval {
			r.log.Warn().
				Str("agentId", agent.DBID).
				Dur("sinceLastPing", now.Sub(agent.LastPing())).
				Msg("Closing stale connection")
			agent.CloseWithCode(models.CloseStale, "Heartbeat timeout")
			r.Unregister(agent.ConnectionID, "Agent disconnected")
			closed++
		}
	}
	return closed
}

// Cleanup tears down every connection for graceful shutdown.
func (r *Registry) Cleanup() {
	for _, agent := range r.AllAgents() {
		agent.CloseWithCode(models.CloseGoingAway, "Server shutting down")
		r.Unregister(agent.ConnectionID, "Server shutting down")
	}
}
