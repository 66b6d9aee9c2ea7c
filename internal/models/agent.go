package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Agent status values (persisted; mirrors registry membership).
const (
	AgentStatusOnline  = "ONLINE"
	AgentStatusOffline = "OFFLINE"
)

// Agent lifecycle state values.
const (
	AgentStatePending = "PENDING"
	AgentStateActive  = "ACTIVE"
	AgentStateBlocked = "BLOCKED"
	AgentStateExpired = "EXPIRED"
)

// Agent power states. Power state controls heartbeat cadence and whether
// commands are queued instead of dispatched.
const (
	PowerStateActive  = "ACTIVE"
	PowerStatePassive = "PASSIVE"
	PowerStateSleep   = "SLEEP"
)

// Agent OS types.
const (
	OSWindows = "WINDOWS"
	OSMacOS   = "MACOS"
	OSLinux   = "LINUX"
)

// Fingerprint is the raw hardware identity an agent reports at registration.
//
// Stored as JSONB. The canonical SHA-256 fingerprint is computed over
// cpuModel|diskSerial|motherboardUuid|sorted(macAddresses) joined with '|'.
type Fingerprint struct {
	CPUModel        string   `json:"cpuModel"`
	DiskSerial      string   `json:"diskSerial"`
	MotherboardUUID string   `json:"motherboardUuid"`
	MACAddresses    []string `json:"macAddresses"`
}

// Scan implements the sql.Scanner interface for Fingerprint.
func (f *Fingerprint) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, f)
}

// Value implements the driver.Valuer interface for Fingerprint.
func (f Fingerprint) Value() (driver.Value, error) {
	return json.Marshal(f)
}

// Agent represents a desktop agent installation.
//
// The pair (CustomerID, MachineID) identifies an agent across reconnects:
// re-registration from the same machine updates the existing row instead of
// creating a new one. AgentKey is the per-install secret the agent presents
// when opening its socket.
type Agent struct {
	ID                 string       `json:"id" db:"id"`
	LicenseID          string       `json:"licenseId" db:"license_id"`
	OwnerUserID        string       `json:"ownerUserId" db:"owner_user_id"`
	AgentKey           string       `json:"-" db:"agent_key"`
	CustomerID         *string      `json:"customerId,omitempty" db:"customer_id"`
	MachineID          *string      `json:"machineId,omitempty" db:"machine_id"`
	MachineFingerprint *string      `json:"machineFingerprint,omitempty" db:"machine_fingerprint"`
	FingerprintRaw     *Fingerprint `json:"fingerprintRaw,omitempty" db:"fingerprint_raw"`
	Hostname           *string      `json:"hostname,omitempty" db:"hostname"`
	DisplayName        *string      `json:"displayName,omitempty" db:"display_name"`
	OSType             string       `json:"osType" db:"os_type"`
	OSVersion          *string      `json:"osVersion,omitempty" db:"os_version"`
	Arch               *string      `json:"arch,omitempty" db:"arch"`
	AgentVersion       *string      `json:"agentVersion,omitempty" db:"agent_version"`
	IPAddress          *string      `json:"ipAddress,omitempty" db:"ip_address"`
	Status             string       `json:"status" db:"status"`
	State              string       `json:"state" db:"state"`
	PowerState         string       `json:"powerState" db:"power_state"`
	IsScreenLocked     bool         `json:"isScreenLocked" db:"is_screen_locked"`
	CurrentTask        *string      `json:"currentTask,omitempty" db:"current_task"`
	LicenseUUID        *string      `json:"licenseUuid,omitempty" db:"license_uuid"`
	FirstSeenAt        time.Time    `json:"firstSeenAt" db:"first_seen_at"`
	LastSeenAt         time.Time    `json:"lastSeenAt" db:"last_seen_at"`
	LastActivity       time.Time    `json:"lastActivity" db:"last_activity"`
	ActivatedAt        *time.Time   `json:"activatedAt,omitempty" db:"activated_at"`
}

// Name returns the human-readable label shown to AI callers.
// Never a raw id: falls back through display name and hostname.
func (a *Agent) Name() string {
	if a.DisplayName != nil && *a.DisplayName != "" {
		return *a.DisplayName
	}
	if a.Hostname != nil && *a.Hostname != "" {
		return *a.Hostname
	}
	return "Unnamed Agent"
}

// AgentSession brackets a period of agent connectivity.
//
// One row is opened when the socket registers and closed (SessionEnd,
// DurationMinutes) when it unregisters. Agent.Status=ONLINE holds exactly
// while an open session row exists.
type AgentSession struct {
	ID              string     `json:"id" db:"id"`
	AgentID         string     `json:"agentId" db:"agent_id"`
	SessionStart    time.Time  `json:"sessionStart" db:"session_start"`
	SessionEnd      *time.Time `json:"sessionEnd,omitempty" db:"session_end"`
	DurationMinutes *int       `json:"durationMinutes,omitempty" db:"duration_minutes"`
	IPAddress       string     `json:"ipAddress" db:"ip_address"`
}

// FingerprintChange records a hardware identity mismatch observed at
// registration time.
type FingerprintChange struct {
	ID            string          `json:"id" db:"id"`
	AgentID       string          `json:"agentId" db:"agent_id"`
	ChangeType    string          `json:"changeType" db:"change_type"`
	PreviousValue *string         `json:"previousValue,omitempty" db:"previous_value"`
	NewValue      *string         `json:"newValue,omitempty" db:"new_value"`
	ActionTaken   string          `json:"actionTaken" db:"action_taken"`
	Details       json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
}
