// Package models: agent socket protocol frames.
//
// This file defines the message types used for bidirectional communication
// between the broker and desktop agents over WebSocket. One JSON document per
// text frame; the "type" field routes the payload.
//
// Message Flow:
//
// Agent → Broker:
//   - register: registration payload (machine identity + fingerprint)
//   - response / error: correlated reply to a broker request
//   - pong: ping acknowledgment
//   - heartbeat: periodic status update (cadence depends on power state)
//   - state_change: deliberate power/lock/task transition
//
// Broker → Agent:
//   - registered: registration outcome with license status and config
//   - request: correlated command ({id, method, params})
//   - config: updated heartbeat interval after a power-state change
//   - heartbeat_ack: heartbeat reply, carries licenseChanged and
//     pendingCommands flags
//   - ping, error
package models

import (
	"encoding/json"
	"time"
)

// Message types sent from Agent → Broker
const (
	AgentMsgRegister    = "register"
	AgentMsgResponse    = "response"
	AgentMsgError       = "error"
	AgentMsgPong        = "pong"
	AgentMsgHeartbeat   = "heartbeat"
	AgentMsgStateChange = "state_change"
)

// Message types sent from Broker → Agent
const (
	BrokerMsgRegistered   = "registered"
	BrokerMsgRequest      = "request"
	BrokerMsgConfig       = "config"
	BrokerMsgHeartbeatAck = "heartbeat_ack"
	BrokerMsgPing         = "ping"
	BrokerMsgError        = "error"
)

// Reserved WebSocket close codes.
const (
	// CloseDisplaced is sent to the old socket when the same machine opens a
	// new connection.
	CloseDisplaced = 1000

	// CloseGoingAway is sent on broker shutdown.
	CloseGoingAway = 1001

	// CloseStale is sent when an agent misses three heartbeat intervals.
	CloseStale = 1011

	// CloseRegistrationFailed is sent when registration is rejected.
	CloseRegistrationFailed = 4000
)

// CloseReasonDisplaced is the close message paired with CloseDisplaced.
const CloseReasonDisplaced = "New connection from same machine"

// AgentEnvelope is the top-level shape of every frame in either direction.
// Only the fields relevant to a given type are populated.
type AgentEnvelope struct {
	Type string `json:"type"`

	// ID correlates request/response pairs and heartbeat/ack pairs.
	ID string `json:"id,omitempty"`

	// Method and Params are set on broker → agent requests.
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Result and Error are set on agent → broker responses.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *AgentError     `json:"error,omitempty"`

	// Payload carries type-specific data for register/heartbeat/state_change.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AgentError is the error object inside a response frame.
type AgentError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// RegisterPayload is the payload of a register frame.
type RegisterPayload struct {
	AgentKey     string       `json:"agentKey"`
	CustomerID   string       `json:"customerId,omitempty"`
	MachineID    string       `json:"machineId"`
	MachineName  string       `json:"machineName,omitempty"`
	Hostname     string       `json:"hostname,omitempty"`
	DisplayName  string       `json:"displayName,omitempty"`
	OSType       string       `json:"osType,omitempty"`
	OSVersion    string       `json:"osVersion,omitempty"`
	Arch         string       `json:"arch,omitempty"`
	AgentVersion string       `json:"agentVersion,omitempty"`
	Fingerprint  *Fingerprint `json:"fingerprint,omitempty"`
}

// AgentConfig is the configuration block pushed to agents at registration and
// on power-state changes.
type AgentConfig struct {
	// HeartbeatInterval in seconds, a function of the agent's power state.
	HeartbeatInterval int `json:"heartbeatInterval"`

	// GraceHours is how long an expired license keeps limited functionality.
	GraceHours int `json:"graceHours,omitempty"`

	PowerState string `json:"powerState,omitempty"`
}

// RegisteredMessage is the broker's reply to a successful registration.
type RegisteredMessage struct {
	Type          string      `json:"type"`
	ID            string      `json:"id"`
	AgentID       string      `json:"agentId"`
	LicenseStatus string      `json:"licenseStatus"`
	LicenseUUID   string      `json:"licenseUuid,omitempty"`
	State         string      `json:"state"`
	PowerState    string      `json:"powerState"`
	Config        AgentConfig `json:"config"`
}

// HeartbeatPayload is the optional payload of heartbeat and state_change
// frames. Pointer fields distinguish "absent" from zero values.
type HeartbeatPayload struct {
	PowerState     *string `json:"powerState,omitempty"`
	IsScreenLocked *bool   `json:"isScreenLocked,omitempty"`
	CurrentTask    *string `json:"currentTask,omitempty"`
}

// HeartbeatAck is the broker's reply to a heartbeat.
type HeartbeatAck struct {
	Type            string       `json:"type"`
	ID              string       `json:"id,omitempty"`
	LicenseStatus   string       `json:"licenseStatus"`
	LicenseChanged  bool         `json:"licenseChanged"`
	LicenseMessage  string       `json:"licenseMessage,omitempty"`
	PendingCommands bool         `json:"pendingCommands"`
	Config          *AgentConfig `json:"config,omitempty"`
}

// RequestMessage is a broker → agent command frame.
type RequestMessage struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// ConfigMessage pushes a new config to the agent.
type ConfigMessage struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Config AgentConfig `json:"config"`
}

// PingMessage is a broker → agent keep-alive.
type PingMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatIntervalFor returns the heartbeat interval in seconds for a power
// state. The table is part of the wire contract.
func HeartbeatIntervalFor(powerState string) int {
	switch powerState {
	case PowerStateActive:
		return 5
	case PowerStateSleep:
		return 300
	default: // PASSIVE and anything unrecognized
		return 30
	}
}
