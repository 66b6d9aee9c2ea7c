// Package db: command audit log data access.
//
// Every command forwarded to an agent gets a command_logs row at dispatch
// (status SENT). The row transitions exactly once to COMPLETED, FAILED or
// TIMEOUT; completed_at and duration_ms are stamped at that transition and
// never rewritten.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// CommandLogDB provides command audit data access
type CommandLogDB struct {
	db *sql.DB
}

// NewCommandLogDB creates a new CommandLogDB
func NewCommandLogDB(db *sql.DB) *CommandLogDB {
	return &CommandLogDB{db: db}
}

// CreateSent inserts a command_logs row in SENT state and returns its id.
func (cdb *CommandLogDB) CreateSent(ctx context.Context, agentID string, aiConnectionID *string, method string, toolName *string, params interface{}, ipAddress *string) (string, error) {
	id := uuid.New().String()

	var paramsJSON interface{}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("failed to marshal command params: %w", err)
		}
		paramsJSON = string(b)
	}

	_, err := cdb.db.ExecContext(ctx, `
		INSERT INTO command_logs (id, agent_id, ai_connection_id, method, tool_name,
			params, status, started_at, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, agentID, aiConnectionID, method, toolName, paramsJSON,
		models.CommandStatusSent, time.Now(), ipAddress)
	if err != nil {
		return "", fmt.Errorf("failed to create command log: %w", err)
	}
	return id, nil
}

// Complete moves a SENT row to a terminal status. The duration is computed
// from started_at so that duration_ms always equals completed_at-started_at.
// Rows already in a terminal state are left untouched.
func (cdb *CommandLogDB) Complete(ctx context.Context, id, status string, result interface{}, errorMessage *string) error {
	var resultJSON interface{}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal command result: %w", err)
		}
		resultJSON = string(b)
	}

	_, err := cdb.db.ExecContext(ctx, `
		UPDATE command_logs
		SET status = $1, result = $2, error_message = $3, completed_at = $4,
			duration_ms = CAST(EXTRACT(EPOCH FROM ($4 - started_at)) * 1000 AS BIGINT)
		WHERE id = $5 AND status = $6
	`, status, resultJSON, errorMessage, time.Now(), id, models.CommandStatusSent)
	if err != nil {
		return fmt.Errorf("failed to complete command log: %w", err)
	}
	return nil
}
