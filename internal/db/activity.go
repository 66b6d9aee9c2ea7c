package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// ActivityDB persists per-user hourly command histograms used for quiet-hours
// detection.
type ActivityDB struct {
	db *sql.DB
}

// NewActivityDB creates a new ActivityDB
func NewActivityDB(db *sql.DB) *ActivityDB {
	return &ActivityDB{db: db}
}

// GetPattern fetches a user's activity pattern. Returns an all-zero pattern
// when the user has none yet.
func (adb *ActivityDB) GetPattern(ctx context.Context, userID string) (*models.CustomerActivityPattern, error) {
	var raw []byte
	p := &models.CustomerActivityPattern{UserID: userID}
	err := adb.db.QueryRowContext(ctx, `
		SELECT hourly_activity, quiet_hours_start, quiet_hours_end
		FROM customer_activity_patterns WHERE user_id = $1
	`, userID).Scan(&raw, &p.QuietHoursStart, &p.QuietHoursEnd)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity pattern: %w", err)
	}
	var hours []int
	if err := json.Unmarshal(raw, &hours); err != nil {
		return nil, fmt.Errorf("failed to parse hourly activity: %w", err)
	}
	for i := 0; i < len(hours) && i < 24; i++ {
		p.HourlyActivity[i] = hours[i]
	}
	return p, nil
}

// SavePattern upserts the full pattern including detected quiet hours.
func (adb *ActivityDB) SavePattern(ctx context.Context, p *models.CustomerActivityPattern) error {
	raw, err := json.Marshal(p.HourlyActivity[:])
	if err != nil {
		return fmt.Errorf("failed to marshal hourly activity: %w", err)
	}
	_, err = adb.db.ExecContext(ctx, `
		INSERT INTO customer_activity_patterns (user_id, hourly_activity,
			quiet_hours_start, quiet_hours_end, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET hourly_activity = EXCLUDED.hourly_activity,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			updated_at = EXCLUDED.updated_at
	`, p.UserID, raw, p.QuietHoursStart, p.QuietHoursEnd, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save activity pattern: %w", err)
	}
	return nil
}
