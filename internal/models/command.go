package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// CommandLog status values. A row starts at SENT and transitions exactly once
// to COMPLETED, FAILED or TIMEOUT; CompletedAt and DurationMs are set at that
// transition.
const (
	CommandStatusSent      = "SENT"
	CommandStatusCompleted = "COMPLETED"
	CommandStatusFailed    = "FAILED"
	CommandStatusTimeout   = "TIMEOUT"
)

// JSONMap is a JSONB column holding arbitrary structured data.
type JSONMap map[string]interface{}

// Scan implements the sql.Scanner interface for JSONMap.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONMap.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(m)
}

// CommandLog is the audit record for one command forwarded to an agent.
type CommandLog struct {
	ID             string     `json:"id" db:"id"`
	AgentID        string     `json:"agentId" db:"agent_id"`
	AIConnectionID *string    `json:"aiConnectionId,omitempty" db:"ai_connection_id"`
	Method         string     `json:"method" db:"method"`
	ToolName       *string    `json:"toolName,omitempty" db:"tool_name"`
	Params         JSONMap    `json:"params" db:"params"`
	Status         string     `json:"status" db:"status"`
	Result         JSONMap    `json:"result,omitempty" db:"result"`
	ErrorMessage   *string    `json:"errorMessage,omitempty" db:"error_message"`
	StartedAt      time.Time  `json:"startedAt" db:"started_at"`
	CompletedAt    *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	DurationMs     *int64     `json:"durationMs,omitempty" db:"duration_ms"`
	IPAddress      *string    `json:"ipAddress,omitempty" db:"ip_address"`
}

// CustomerActivityPattern is the per-user hourly command histogram used for
// quiet-hours detection. Advisory only: the scheduler never changes behavior
// on quiet hours.
type CustomerActivityPattern struct {
	UserID          string  `json:"userId" db:"user_id"`
	HourlyActivity  [24]int `json:"hourlyActivity" db:"hourly_activity"`
	QuietHoursStart *int    `json:"quietHoursStart,omitempty" db:"quiet_hours_start"`
	QuietHoursEnd   *int    `json:"quietHoursEnd,omitempty" db:"quiet_hours_end"`
}

// TotalActivity sums the hourly histogram.
func (p *CustomerActivityPattern) TotalActivity() int {
	total := 0
	for _, n := range p.HourlyActivity {
		total += n
	}
	return total
}
