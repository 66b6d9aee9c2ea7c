// Package db: agent data access.
//
// The (customer_id, machine_id) pair identifies an agent installation across
// reconnects. Registration upserts by that pair: first sight creates the row
// (plus system user and trial license), later sights refresh system fields
// and recompute the hardware fingerprint.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// AgentDB provides agent data access
type AgentDB struct {
	db *sql.DB
}

// NewAgentDB creates a new AgentDB
func NewAgentDB(db *sql.DB) *AgentDB {
	return &AgentDB{db: db}
}

const agentColumns = `id, license_id, owner_user_id, agent_key, customer_id, machine_id,
	machine_fingerprint, fingerprint_raw, hostname, display_name, os_type, os_version,
	arch, agent_version, ip_address, status, state, power_state, is_screen_locked,
	current_task, license_uuid, first_seen_at, last_seen_at, last_activity, activated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var fp models.Fingerprint
	var hasFP sql.NullString
	err := row.Scan(&a.ID, &a.LicenseID, &a.OwnerUserID, &a.AgentKey, &a.CustomerID,
		&a.MachineID, &a.MachineFingerprint, &hasFP, &a.Hostname, &a.DisplayName,
		&a.OSType, &a.OSVersion, &a.Arch, &a.AgentVersion, &a.IPAddress, &a.Status,
		&a.State, &a.PowerState, &a.IsScreenLocked, &a.CurrentTask, &a.LicenseUUID,
		&a.FirstSeenAt, &a.LastSeenAt, &a.LastActivity, &a.ActivatedAt)
	if err != nil {
		return nil, err
	}
	if hasFP.Valid && hasFP.String != "" {
		if jsonErr := json.Unmarshal([]byte(hasFP.String), &fp); jsonErr == nil {
			a.FingerprintRaw = &fp
		}
	}
	return &a, nil
}

// ComputeFingerprint returns the canonical SHA-256 hex over the hardware
// identifiers: cpuModel|diskSerial|motherboardUuid|mac1|mac2|... with MACs
// sorted. The field order is part of the stored-fingerprint contract.
func ComputeFingerprint(fp *models.Fingerprint) string {
	if fp == nil {
		return ""
	}
	macs := append([]string(nil), fp.MACAddresses...)
	sort.Strings(macs)
	parts := append([]string{fp.CPUModel, fp.DiskSerial, fp.MotherboardUUID}, macs...)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// GetAgentByID fetches an agent by primary key.
func (adb *AgentDB) GetAgentByID(ctx context.Context, id string) (*models.Agent, error) {
	row := adb.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// GetAgentByMachine fetches an agent by (customer_id, machine_id).
// Returns nil, nil when the machine has never registered.
func (adb *AgentDB) GetAgentByMachine(ctx context.Context, customerID, machineID string) (*models.Agent, error) {
	row := adb.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE customer_id = $1 AND machine_id = $2
	`, customerID, machineID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by machine: %w", err)
	}
	return a, nil
}

// RegisterFields are the system fields refreshed on every registration.
type RegisterFields struct {
	CustomerID   string
	MachineID    string
	Hostname     string
	DisplayName  string
	OSType       string
	OSVersion    string
	Arch         string
	AgentVersion string
	IPAddress    string
	Fingerprint  *models.Fingerprint
}

// CreateAgent inserts a brand-new agent row in PENDING state.
func (adb *AgentDB) CreateAgent(ctx context.Context, licenseID, ownerUserID string, f RegisterFields) (*models.Agent, error) {
	now := time.Now()
	id := uuid.New().String()
	agentKey := uuid.New().String()
	fingerprint := ComputeFingerprint(f.Fingerprint)

	var fpJSON interface{}
	if f.Fingerprint != nil {
		b, err := json.Marshal(f.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal fingerprint: %w", err)
		}
		fpJSON = string(b)
	}

	_, err := adb.db.ExecContext(ctx, `
		INSERT INTO agents (id, license_id, owner_user_id, agent_key, customer_id,
			machine_id, machine_fingerprint, fingerprint_raw, hostname, display_name,
			os_type, os_version, arch, agent_version, ip_address, status, state,
			power_state, is_screen_locked, first_seen_at, last_seen_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22)
	`, id, licenseID, ownerUserID, agentKey,
		nullIfEmpty(f.CustomerID), nullIfEmpty(f.MachineID), nullIfEmpty(fingerprint), fpJSON,
		nullIfEmpty(f.Hostname), nullIfEmpty(f.DisplayName), f.OSType,
		nullIfEmpty(f.OSVersion), nullIfEmpty(f.Arch), nullIfEmpty(f.AgentVersion),
		nullIfEmpty(f.IPAddress), models.AgentStatusOnline, models.AgentStatePending,
		models.PowerStatePassive, false, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	return adb.GetAgentByID(ctx, id)
}

// UpdateAgentOnRegister refreshes system fields on re-registration and
// returns the new fingerprint hex (caller compares against the stored one).
func (adb *AgentDB) UpdateAgentOnRegister(ctx context.Context, agentID string, f RegisterFields) (string, error) {
	now := time.Now()
	fingerprint := ComputeFingerprint(f.Fingerprint)

	var fpJSON interface{}
	if f.Fingerprint != nil {
		b, err := json.Marshal(f.Fingerprint)
		if err != nil {
			return "", fmt.Errorf("failed to marshal fingerprint: %w", err)
		}
		fpJSON = string(b)
	}

	_, err := adb.db.ExecContext(ctx, `
		UPDATE agents
		SET hostname = COALESCE($1, hostname),
			display_name = COALESCE($2, display_name),
			os_version = COALESCE($3, os_version),
			arch = COALESCE($4, arch),
			agent_version = COALESCE($5, agent_version),
			ip_address = COALESCE($6, ip_address),
			machine_fingerprint = COALESCE($7, machine_fingerprint),
			fingerprint_raw = COALESCE($8, fingerprint_raw),
			status = $9, last_seen_at = $10, last_activity = $10
		WHERE id = $11
	`, nullIfEmpty(f.Hostname), nullIfEmpty(f.DisplayName), nullIfEmpty(f.OSVersion),
		nullIfEmpty(f.Arch), nullIfEmpty(f.AgentVersion), nullIfEmpty(f.IPAddress),
		nullIfEmpty(fingerprint), fpJSON, models.AgentStatusOnline, now, agentID)
	if err != nil {
		return "", fmt.Errorf("failed to update agent on register: %w", err)
	}
	return fingerprint, nil
}

// MarkAgentOffline flips status and clears the current task.
func (adb *AgentDB) MarkAgentOffline(ctx context.Context, agentID string) error {
	_, err := adb.db.ExecContext(ctx, `
		UPDATE agents
		SET status = $1, current_task = NULL, last_seen_at = $2
		WHERE id = $3
	`, models.AgentStatusOffline, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("failed to mark agent offline: %w", err)
	}
	return nil
}

// UpdateAgentHeartbeat persists the volatile state reported by heartbeats.
func (adb *AgentDB) UpdateAgentHeartbeat(ctx context.Context, agentID, powerState string, isScreenLocked bool, currentTask *string) error {
	now := time.Now()
	_, err := adb.db.ExecContext(ctx, `
		UPDATE agents
		SET power_state = $1, is_screen_locked = $2, current_task = $3,
			last_seen_at = $4, last_activity = $4
		WHERE id = $5
	`, powerState, isScreenLocked, currentTask, now, agentID)
	if err != nil {
		return fmt.Errorf("failed to update agent heartbeat: %w", err)
	}
	return nil
}

// SetAgentState persists a lifecycle state transition (PENDING/ACTIVE/
// BLOCKED/EXPIRED). Activation stamps activated_at once.
func (adb *AgentDB) SetAgentState(ctx context.Context, agentID, state string) error {
	var err error
	if state == models.AgentStateActive {
		_, err = adb.db.ExecContext(ctx, `
			UPDATE agents
			SET state = $1, activated_at = COALESCE(activated_at, $2)
			WHERE id = $3
		`, state, time.Now(), agentID)
	} else {
		_, err = adb.db.ExecContext(ctx,
			`UPDATE agents SET state = $1 WHERE id = $2`, state, agentID)
	}
	if err != nil {
		return fmt.Errorf("failed to set agent state: %w", err)
	}
	return nil
}

// GetAgentsForUser returns all agents owned by a user.
func (adb *AgentDB) GetAgentsForUser(ctx context.Context, userID string) ([]*models.Agent, error) {
	rows, err := adb.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE owner_user_id = $1
		ORDER BY last_seen_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents for user: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent rows: %w", err)
	}
	return agents, nil
}

// RecordFingerprintChange logs a hardware identity mismatch.
func (adb *AgentDB) RecordFingerprintChange(ctx context.Context, agentID, changeType string, previous, next *string, actionTaken string, details interface{}) error {
	var detailsJSON interface{}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal fingerprint change details: %w", err)
		}
		detailsJSON = string(b)
	}
	_, err := adb.db.ExecContext(ctx, `
		INSERT INTO fingerprint_changes (id, agent_id, change_type, previous_value,
			new_value, action_taken, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New().String(), agentID, changeType, previous, next, actionTaken, detailsJSON, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record fingerprint change: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
