package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// ConnectionDB provides MCP connection and AI connection data access
type ConnectionDB struct {
	db *sql.DB
}

// NewConnectionDB creates a new ConnectionDB
func NewConnectionDB(db *sql.DB) *ConnectionDB {
	return &ConnectionDB{db: db}
}

const connectionColumns = `id, user_id, endpoint_uuid, name, status, total_requests,
	last_used_at, created_at`

func scanConnection(row *sql.Row) (*models.McpConnection, error) {
	var c models.McpConnection
	err := row.Scan(&c.ID, &c.UserID, &c.EndpointUUID, &c.Name, &c.Status,
		&c.TotalRequests, &c.LastUsedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConnection inserts a new tenant endpoint for a user.
func (cdb *ConnectionDB) CreateConnection(ctx context.Context, userID, name string) (*models.McpConnection, error) {
	conn := &models.McpConnection{
		ID:           uuid.New().String(),
		UserID:       userID,
		EndpointUUID: uuid.New().String(),
		Name:         name,
		Status:       models.ConnectionStatusActive,
		CreatedAt:    time.Now(),
	}
	_, err := cdb.db.ExecContext(ctx, `
		INSERT INTO mcp_connections (id, user_id, endpoint_uuid, name, status,
			total_requests, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, conn.ID, conn.UserID, conn.EndpointUUID, conn.Name, conn.Status, conn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp connection: %w", err)
	}
	return conn, nil
}

// GetConnectionByEndpointUUID fetches a connection by endpoint uuid.
// Returns nil, nil when unknown.
func (cdb *ConnectionDB) GetConnectionByEndpointUUID(ctx context.Context, endpointUUID string) (*models.McpConnection, error) {
	row := cdb.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM mcp_connections WHERE endpoint_uuid = $1`, endpointUUID)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mcp connection: %w", err)
	}
	return c, nil
}

// GetConnectionByID fetches a connection by primary key.
func (cdb *ConnectionDB) GetConnectionByID(ctx context.Context, id string) (*models.McpConnection, error) {
	row := cdb.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM mcp_connections WHERE id = $1`, id)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mcp connection: %w", err)
	}
	return c, nil
}

// TouchConnection increments total_requests and stamps last_used_at.
func (cdb *ConnectionDB) TouchConnection(ctx context.Context, id string) error {
	_, err := cdb.db.ExecContext(ctx, `
		UPDATE mcp_connections
		SET total_requests = total_requests + 1, last_used_at = $1
		WHERE id = $2
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch mcp connection: %w", err)
	}
	return nil
}

// UpsertAiConnection records an AI client session (created by initialize,
// refreshed on every request).
func (cdb *ConnectionDB) UpsertAiConnection(ctx context.Context, sessionID, userID string, clientName, clientVersion *string) error {
	now := time.Now()
	_, err := cdb.db.ExecContext(ctx, `
		INSERT INTO ai_connections (id, session_id, user_id, client_name,
			client_version, is_active, authorized_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $6)
		ON CONFLICT (session_id) DO UPDATE
		SET is_active = true, last_activity_at = $6,
			client_name = COALESCE(EXCLUDED.client_name, ai_connections.client_name),
			client_version = COALESCE(EXCLUDED.client_version, ai_connections.client_version)
	`, uuid.New().String(), sessionID, userID, clientName, clientVersion, now)
	if err != nil {
		return fmt.Errorf("failed to upsert ai connection: %w", err)
	}
	return nil
}

// CloseAiConnection marks an AI session inactive.
func (cdb *ConnectionDB) CloseAiConnection(ctx context.Context, sessionID string) error {
	now := time.Now()
	_, err := cdb.db.ExecContext(ctx, `
		UPDATE ai_connections
		SET is_active = false, disconnected_at = $1, last_activity_at = $1
		WHERE session_id = $2
	`, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to close ai connection: %w", err)
	}
	return nil
}

// InsertRequestLog appends one tenant endpoint audit row.
func (cdb *ConnectionDB) InsertRequestLog(ctx context.Context, connectionID, userID, method string, toolName *string, statusCode int, ipAddress *string) error {
	_, err := cdb.db.ExecContext(ctx, `
		INSERT INTO mcp_request_logs (id, connection_id, user_id, method, tool_name,
			status_code, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New().String(), connectionID, userID, method, toolName, statusCode,
		ipAddress, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert mcp request log: %w", err)
	}
	return nil
}
