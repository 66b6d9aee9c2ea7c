package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// VersionDB provides agent release data access for the update-check service.
type VersionDB struct {
	db *sql.DB
}

// NewVersionDB creates a new VersionDB
func NewVersionDB(db *sql.DB) *VersionDB {
	return &VersionDB{db: db}
}

// GetLatestVersion returns the newest release on a channel together with its
// builds. Returns nil, nil, nil when the channel has no releases.
func (vdb *VersionDB) GetLatestVersion(ctx context.Context, channel string) (*models.AgentVersion, []*models.AgentBuild, error) {
	var v models.AgentVersion
	err := vdb.db.QueryRowContext(ctx, `
		SELECT id, channel, version, min_version, rollout_percent, released_at
		FROM agent_versions
		WHERE channel = $1
		ORDER BY released_at DESC
		LIMIT 1
	`, channel).Scan(&v.ID, &v.Channel, &v.Version, &v.MinVersion, &v.RolloutPercent, &v.ReleasedAt)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get latest version: %w", err)
	}

	rows, err := vdb.db.QueryContext(ctx, `
		SELECT id, version_id, platform, arch, url, sha256
		FROM agent_builds
		WHERE version_id = $1
	`, v.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.AgentBuild
	for rows.Next() {
		var b models.AgentBuild
		var url, sha sql.NullString
		if err := rows.Scan(&b.ID, &b.VersionID, &b.Platform, &b.Arch, &url, &sha); err != nil {
			return nil, nil, fmt.Errorf("failed to scan build row: %w", err)
		}
		b.URL = url.String
		b.SHA256 = sha.String
		builds = append(builds, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating build rows: %w", err)
	}
	return &v, builds, nil
}
