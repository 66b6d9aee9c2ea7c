package models

import "time"

// Release channels for agent updates.
const (
	ChannelStable = "STABLE"
	ChannelBeta   = "BETA"
	ChannelDev    = "DEV"
)

// AgentVersion is one published agent release on a channel.
type AgentVersion struct {
	ID             string    `json:"id" db:"id"`
	Channel        string    `json:"channel" db:"channel"`
	Version        string    `json:"version" db:"version"`
	MinVersion     *string   `json:"minVersion,omitempty" db:"min_version"`
	RolloutPercent int       `json:"rolloutPercent" db:"rollout_percent"`
	ReleasedAt     time.Time `json:"releasedAt" db:"released_at"`
}

// AgentBuild is one platform-arch artifact of a release.
type AgentBuild struct {
	ID        string `json:"id" db:"id"`
	VersionID string `json:"versionId" db:"version_id"`
	Platform  string `json:"platform" db:"platform"`
	Arch      string `json:"arch" db:"arch"`
	URL       string `json:"url,omitempty" db:"url"`
	SHA256    string `json:"sha256,omitempty" db:"sha256"`
}
