// Package registry maintains the live index of connected agents.
//
// This file defines ConnectedAgent, the in-memory representation of one agent
// socket, together with its pending-request correlation table and the command
// queue used while the agent sleeps.
//
// Ownership: the agent owns its socket and its pending-request table. The
// socket read loop holds the agent pointer directly; once the agent is
// closed, SendJSON and SocketOpen report it.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// CommandOutcome is delivered to the caller waiting on a pending or queued
// command.
type CommandOutcome struct {
	Result json.RawMessage
	Err    error
}

// PendingRequest tracks one in-flight request awaiting a correlated response.
type PendingRequest struct {
	// Done receives exactly one outcome: the agent's response, a timeout,
	// or a disconnect rejection. Buffered so the resolver never blocks.
	Done chan CommandOutcome

	// CommandLogID is the audit row to finalize when the outcome arrives.
	CommandLogID string

	// Method is the dispatched method, carried for event publishing.
	Method string

	StartedAt time.Time
}

// QueuedCommand is a command deferred while its agent sleeps.
type QueuedCommand struct {
	Method     string
	Params     interface{}
	Meta       CommandMeta
	Done       chan CommandOutcome
	EnqueuedAt time.Time
}

// CommandMeta carries audit context for a command.
type CommandMeta struct {
	AIConnectionID *string
	ToolName       *string
	IPAddress      *string
}

// ConnectedAgent represents a single agent's live WebSocket connection.
//
// Thread Safety: mu protects the mutable fields; Send is the single channel
// into the write pump.
type ConnectedAgent struct {
	// ConnectionID is the ephemeral uuid for this socket.
	ConnectionID string

	// DBID is the persistent agent row id.
	DBID string

	// OwnerUserID is the owning user, for per-user agent listings.
	OwnerUserID string

	// Conn is the underlying WebSocket connection. Nil for debug mock agents.
	Conn *websocket.Conn

	// Send is a buffered channel for outbound frames to the agent.
	Send chan []byte

	RemoteAddress string
	IsInternal    bool

	CustomerID    string
	LicenseUUID   string
	LicenseStatus string
	MachineID     string
	MachineName   string
	Hostname      string
	DisplayName   string
	OSType        string
	OSVersion     string
	Arch          string
	AgentVersion  string

	// SessionID is the open agent_sessions row bracketing this connection.
	SessionID string

	ConnectedAt time.Time

	mu             sync.Mutex
	state          string
	powerState     string
	isScreenLocked bool
	currentTask    string
	lastPing       time.Time
	lastActivity   time.Time
	closed         bool

	// tools is the cached capability catalog, nil until fetched.
	tools          []models.Tool
	toolsFetchedAt time.Time

	pendingRequests map[string]*PendingRequest
	queuedCommands  []*QueuedCommand
	queueLimit      int
}

// NewAgentForTesting builds a detached in-memory agent with no socket and no
// database row behind it. Intended ONLY FOR TESTING (mirrors
// db.NewDatabaseForTesting); production agents come from Registry.Register.
func NewAgentForTesting(connectionID, displayName string) *ConnectedAgent {
	a := newConnectedAgent(connectionID, nil, DefaultQueueLimit)
	a.IsInternal = true
	a.DBID = connectionID
	a.DisplayName = displayName
	a.state = models.AgentStateActive
	a.LicenseStatus = LicenseActive
	return a
}

// newConnectedAgent builds the in-memory entry for a freshly registered socket.
func newConnectedAgent(connectionID string, conn *websocket.Conn, queueLimit int) *ConnectedAgent {
	now := time.Now()
	return &ConnectedAgent{
		ConnectionID:    connectionID,
		Conn:            conn,
		Send:            make(chan []byte, 256),
		ConnectedAt:     now,
		lastPing:        now,
		lastActivity:    now,
		powerState:      models.PowerStatePassive,
		pendingRequests: make(map[string]*PendingRequest),
		queueLimit:      queueLimit,
	}
}

// Name returns the label shown to AI callers: display name, then hostname,
// never a raw id.
func (a *ConnectedAgent) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	if a.Hostname != "" {
		return a.Hostname
	}
	if a.MachineName != "" {
		return a.MachineName
	}
	return "Unnamed Agent"
}

// State returns the agent's lifecycle state.
func (a *ConnectedAgent) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// PowerState returns the agent's power state.
func (a *ConnectedAgent) PowerState() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.powerState
}

// IsScreenLocked reports the last known lock state.
func (a *ConnectedAgent) IsScreenLocked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isScreenLocked
}

// CurrentTask returns the agent's self-reported task, if any.
func (a *ConnectedAgent) CurrentTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTask
}

// LastPing returns the time of the last heartbeat or pong.
func (a *ConnectedAgent) LastPing() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPing
}

// TouchPing stamps the last heartbeat time.
func (a *ConnectedAgent) TouchPing() {
	a.mu.Lock()
	a.lastPing = time.Now()
	a.mu.Unlock()
}

// SetLicense updates the projected license status pushed to the agent.
func (a *ConnectedAgent) SetLicense(status, licenseUUID string) {
	a.mu.Lock()
	a.LicenseStatus = status
	if licenseUUID != "" {
		a.LicenseUUID = licenseUUID
	}
	a.mu.Unlock()
}

// SetState updates the lifecycle state.
func (a *ConnectedAgent) SetState(state string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

// ApplyStateChange merges a heartbeat/state_change payload and returns the
// power state before the merge. Callers compare before and after to detect
// the SLEEP → awake edge; comparing after the merge would miss it.
func (a *ConnectedAgent) ApplyStateChange(p *models.HeartbeatPayload) (prevPowerState string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prevPowerState = a.powerState
	if p == nil {
		return prevPowerState
	}
	if p.PowerState != nil && *p.PowerState != "" {
		a.powerState = *p.PowerState
	}
	if p.IsScreenLocked != nil {
		a.isScreenLocked = *p.IsScreenLocked
	}
	if p.CurrentTask != nil {
		a.currentTask = *p.CurrentTask
	}
	a.lastActivity = time.Now()
	return prevPowerState
}

// Snapshot returns the volatile fields for persistence.
func (a *ConnectedAgent) Snapshot() (powerState string, isScreenLocked bool, currentTask *string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	powerState = a.powerState
	isScreenLocked = a.isScreenLocked
	if a.currentTask != "" {
		t := a.currentTask
		currentTask = &t
	}
	return
}

// Tools returns the cached capability catalog, or nil if never fetched.
func (a *ConnectedAgent) Tools() []models.Tool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tools
}

// SetTools caches the capability catalog.
func (a *ConnectedAgent) SetTools(tools []models.Tool) {
	a.mu.Lock()
	a.tools = tools
	a.toolsFetchedAt = time.Now()
	a.mu.Unlock()
}

// SocketOpen reports whether frames can still be sent.
func (a *ConnectedAgent) SocketOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed && (a.Conn != nil || a.IsInternal)
}

// markClosed flips the socket to closed exactly once. Returns false when it
// already was.
func (a *ConnectedAgent) markClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.closed = true
	return true
}

// SendJSON serializes a frame and hands it to the write pump. Fails when the
// socket is closed or the send buffer is full. The closed check and the send
// happen under one lock so a concurrent close cannot slip between them.
func (a *ConnectedAgent) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || (a.Conn == nil && !a.IsInternal) {
		return fmt.Errorf("agent socket is closed")
	}
	select {
	case a.Send <- data:
		return nil
	default:
		return fmt.Errorf("agent send buffer is full")
	}
}

// AddPending registers a pending request under the given correlation id.
func (a *ConnectedAgent) AddPending(requestID string, pr *PendingRequest) {
	a.mu.Lock()
	a.pendingRequests[requestID] = pr
	a.mu.Unlock()
}

// TakePending removes and returns the pending request for a correlation id.
func (a *ConnectedAgent) TakePending(requestID string) *PendingRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	pr, ok := a.pendingRequests[requestID]
	if !ok {
		return nil
	}
	delete(a.pendingRequests, requestID)
	return pr
}

// TakeAllPending removes and returns every pending request. Used on
// disconnect and emergency stop.
func (a *ConnectedAgent) TakeAllPending() []*PendingRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*PendingRequest, 0, len(a.pendingRequests))
	for _, pr := range a.pendingRequests {
		out = append(out, pr)
	}
	a.pendingRequests = make(map[string]*PendingRequest)
	return out
}

// PendingCount returns the number of in-flight requests.
func (a *ConnectedAgent) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pendingRequests)
}

// Enqueue appends a command for dispatch on wake. Fails when the queue is at
// its configured bound.
func (a *ConnectedAgent) Enqueue(qc *QueuedCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queuedCommands) >= a.queueLimit {
		return fmt.Errorf("agent queue full")
	}
	a.queuedCommands = append(a.queuedCommands, qc)
	return nil
}

// DrainQueue removes and returns all queued commands in enqueue order.
func (a *ConnectedAgent) DrainQueue() []*QueuedCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.queuedCommands
	a.queuedCommands = nil
	return out
}

// QueuedCount returns the number of commands waiting on wake.
func (a *ConnectedAgent) QueuedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queuedCommands)
}

// CloseWithCode sends a close control frame and closes the socket. Safe to
// call concurrently with the write pump; gorilla permits concurrent
// WriteControl.
func (a *ConnectedAgent) CloseWithCode(code int, reason string) {
	if !a.markClosed() {
		return
	}
	if a.Conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = a.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		_ = a.Conn.Close()
	}
}
