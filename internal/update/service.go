// Package update implements the agent update-check service.
//
// Per channel (STABLE/BETA/DEV) the latest release is cached for 60 seconds,
// locally and — when Redis is enabled — shared across broker processes.
// Rollouts are gradual: a deterministic hash of the machine id buckets each
// machine into [0,100); machines below rolloutPercent see the update.
//
// The bucketing hash is part of the wire contract: a machine must land in the
// same bucket across broker releases, or rollouts would flap. Do not change
// HashCode.
package update

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/screenlink/screenlink/broker/internal/cache"
	"github.com/screenlink/screenlink/broker/internal/db"
	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/models"
)

// cacheTTL is how long a channel lookup stays cached.
const cacheTTL = 60 * time.Second

// ChannelInfo is the cached per-channel release summary.
type ChannelInfo struct {
	Version        string    `json:"version"`
	MinVersion     string    `json:"minVersion,omitempty"`
	RolloutPercent int       `json:"rolloutPercent"`
	Builds         []string  `json:"builds"` // "platform-arch" keys
	FetchedAt      time.Time `json:"fetchedAt"`
}

// CheckResult is the update-check verdict for one agent.
type CheckResult struct {
	HasUpdate bool   `json:"hasUpdate"`
	Version   string `json:"version,omitempty"`
	IsForced  bool   `json:"isForced,omitempty"`
}

// Service answers agent update checks.
type Service struct {
	versions *db.VersionDB
	redis    *cache.Cache

	mu    sync.Mutex
	local map[string]*ChannelInfo

	log *zerolog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewService creates an update-check service. redisCache may be disabled.
func NewService(database *db.Database, redisCache *cache.Cache) *Service {
	return &Service{
		versions: db.NewVersionDB(database.DB()),
		redis:    redisCache,
		local:    make(map[string]*ChannelInfo),
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// channelInfo returns the cached release summary for a channel, refreshing
// it when stale. A failed lookup is returned to the caller and nothing is
// cached, so the next call queries the database again.
func (s *Service) channelInfo(ctx context.Context, channel string) (*ChannelInfo, error) {
	s.mu.Lock()
	info, ok := s.local[channel]
	s.mu.Unlock()
	if ok && s.now().Sub(info.FetchedAt) < cacheTTL {
		return info, nil
	}

	// Shared cache next, so multiple processes refresh once per TTL.
	if s.redis.IsEnabled() {
		var shared ChannelInfo
		if err := s.redis.Get(ctx, cache.UpdateChannelKey(channel), &shared); err == nil {
			if s.now().Sub(shared.FetchedAt) < cacheTTL {
				s.mu.Lock()
				s.local[channel] = &shared
				s.mu.Unlock()
				return &shared, nil
			}
		}
	}

	version, builds, err := s.versions.GetLatestVersion(ctx, channel)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, nil
	}

	fresh := &ChannelInfo{
		Version:        version.Version,
		RolloutPercent: version.RolloutPercent,
		FetchedAt:      s.now(),
	}
	if version.MinVersion != nil {
		fresh.MinVersion = *version.MinVersion
	}
	for _, b := range builds {
		fresh.Builds = append(fresh.Builds, strings.ToLower(b.Platform+"-"+b.Arch))
	}

	s.mu.Lock()
	s.local[channel] = fresh
	s.mu.Unlock()

	if s.redis.IsEnabled() {
		if err := s.redis.Set(ctx, cache.UpdateChannelKey(channel), fresh, cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("channel", channel).Msg("Failed to share channel cache")
		}
	}

	return fresh, nil
}

// CheckUpdateAvailable decides whether an agent should update.
func (s *Service) CheckUpdateAvailable(ctx context.Context, agentVersion, platform, arch, machineID, channel string) (*CheckResult, error) {
	if channel == "" {
		channel = models.ChannelStable
	}

	info, err := s.channelInfo(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("update check failed: %w", err)
	}
	if info == nil {
		return &CheckResult{}, nil
	}

	// No build for this platform-arch means nothing to offer.
	buildKey := strings.ToLower(platform + "-" + arch)
	haveBuild := false
	for _, b := range info.Builds {
		if b == buildKey {
			haveBuild = true
			break
		}
	}
	if !haveBuild {
		return &CheckResult{}, nil
	}

	if CompareVersions(agentVersion, info.Version) >= 0 {
		return &CheckResult{}, nil
	}

	forced := info.MinVersion != "" && CompareVersions(agentVersion, info.MinVersion) < 0

	if info.RolloutPercent < 100 && !forced {
		bucket := HashCode(machineID)
		if bucket < 0 {
			bucket = -bucket
		}
		if bucket%100 >= info.RolloutPercent {
			return &CheckResult{}, nil
		}
	}

	return &CheckResult{HasUpdate: true, Version: info.Version, IsForced: forced}, nil
}

// HashCode is the classic shift-subtract-accumulate string hash,
// ((h<<5)-h)+c over UTF-16 code units. Frozen: rollout buckets must be
// stable across releases.
func HashCode(s string) int32 {
	var h int32
	for _, c := range utf16Units(s) {
		h = (h << 5) - h + int32(c)
	}
	return h
}

// utf16Units expands a string to UTF-16 code units, matching how the hash
// has always been computed.
func utf16Units(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r < 0x10000 {
			units = append(units, uint16(r))
		} else {
			r -= 0x10000
			units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
		}
	}
	return units
}

// CompareVersions compares two dotted versions, returning -1, 0 or 1.
// A leading v/V is stripped; each component's pre-hyphen numeric prefix is
// compared across [major, minor, patch]; missing components are 0.
func CompareVersions(a, b string) int {
	pa := parseVersion(a)
	pb := parseVersion(b)
	for i := 0; i < 3; i++ {
		if pa[i] < pb[i] {
			return -1
		}
		if pa[i] > pb[i] {
			return 1
		}
	}
	return 0
}

func parseVersion(v string) [3]int {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	var out [3]int
	parts := strings.Split(v, ".")
	for i := 0; i < 3 && i < len(parts); i++ {
		component := parts[i]
		if idx := strings.Index(component, "-"); idx >= 0 {
			component = component[:idx]
		}
		n := 0
		for _, c := range component {
			if c < '0' || c > '9' {
				break
			}
			n = n*10 + int(c-'0')
		}
		out[i] = n
	}
	return out
}
