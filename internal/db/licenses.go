package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// LicenseDB provides license data access
type LicenseDB struct {
	db *sql.DB
}

// NewLicenseDB creates a new LicenseDB
func NewLicenseDB(db *sql.DB) *LicenseDB {
	return &LicenseDB{db: db}
}

const licenseColumns = `id, user_id, license_key, product_type, status, valid_until,
	is_trial, trial_started, trial_ends, created_at`

func scanLicense(row *sql.Row) (*models.License, error) {
	var l models.License
	err := row.Scan(&l.ID, &l.UserID, &l.LicenseKey, &l.ProductType, &l.Status,
		&l.ValidUntil, &l.IsTrial, &l.TrialStarted, &l.TrialEnds, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLicenseByID fetches a license by primary key.
func (ldb *LicenseDB) GetLicenseByID(ctx context.Context, id string) (*models.License, error) {
	row := ldb.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = $1`, id)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("license %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	return l, nil
}

// CreateTrialLicense mints a 14-day trial license for a user.
func (ldb *LicenseDB) CreateTrialLicense(ctx context.Context, userID string) (*models.License, error) {
	now := time.Now()
	trialEnds := now.AddDate(0, 0, models.TrialDays)

	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, fmt.Errorf("failed to generate license key: %w", err)
	}

	license := &models.License{
		ID:           uuid.New().String(),
		UserID:       userID,
		LicenseKey:   "TRIAL-" + hex.EncodeToString(keyBytes),
		ProductType:  "desktop",
		Status:       models.LicenseStatusActive,
		IsTrial:      true,
		TrialStarted: &now,
		TrialEnds:    &trialEnds,
		CreatedAt:    now,
	}

	_, err := ldb.db.ExecContext(ctx, `
		INSERT INTO licenses (id, user_id, license_key, product_type, status,
			is_trial, trial_started, trial_ends, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, license.ID, license.UserID, license.LicenseKey, license.ProductType,
		license.Status, license.IsTrial, license.TrialStarted, license.TrialEnds, license.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trial license: %w", err)
	}
	return license, nil
}

// GetActiveLicenseForUser returns the most recent license for a user, if any.
func (ldb *LicenseDB) GetActiveLicenseForUser(ctx context.Context, userID string) (*models.License, error) {
	row := ldb.db.QueryRowContext(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license for user: %w", err)
	}
	return l, nil
}

// UpdateLicenseStatus sets the status column.
func (ldb *LicenseDB) UpdateLicenseStatus(ctx context.Context, id, status string) error {
	_, err := ldb.db.ExecContext(ctx,
		`UPDATE licenses SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update license status: %w", err)
	}
	return nil
}
