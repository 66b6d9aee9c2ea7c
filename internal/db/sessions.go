package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionDB provides agent session accounting. One row brackets each period
// of socket connectivity; Agent.status=ONLINE holds exactly while an open
// row exists.
type SessionDB struct {
	db *sql.DB
}

// NewSessionDB creates a new SessionDB
func NewSessionDB(db *sql.DB) *SessionDB {
	return &SessionDB{db: db}
}

// OpenSession inserts a session row for a freshly registered socket and
// returns its id.
func (sdb *SessionDB) OpenSession(ctx context.Context, agentID, ipAddress string) (string, error) {
	id := uuid.New().String()
	_, err := sdb.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (id, agent_id, session_start, ip_address)
		VALUES ($1, $2, $3, $4)
	`, id, agentID, time.Now(), ipAddress)
	if err != nil {
		return "", fmt.Errorf("failed to open agent session: %w", err)
	}
	return id, nil
}

// CloseSession stamps session_end and computes duration_minutes. Closing an
// already-closed session is a no-op.
func (sdb *SessionDB) CloseSession(ctx context.Context, sessionID string) error {
	_, err := sdb.db.ExecContext(ctx, `
		UPDATE agent_sessions
		SET session_end = $1,
			duration_minutes = CAST(EXTRACT(EPOCH FROM ($1 - session_start)) / 60 AS INTEGER)
		WHERE id = $2 AND session_end IS NULL
	`, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to close agent session: %w", err)
	}
	return nil
}
