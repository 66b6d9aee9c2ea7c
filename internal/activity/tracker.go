// Package activity maintains per-user hourly command histograms and derives
// quiet hours from them.
//
// Quiet hours are the longest contiguous run (with wrap-around across
// midnight) of hours whose activity is below one quarter of the hourly
// average, at least 4 hours long. Detection starts once a user has 100
// recorded commands. The result is advisory only; nothing in the broker
// changes behavior on quiet hours.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/screenlink/screenlink/broker/internal/db"
	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/models"
)

// DetectionThreshold is the total sample count at which quiet-hour detection
// begins.
const DetectionThreshold = 100

// MinQuietRun is the minimum quiet-run length, in hours.
const MinQuietRun = 4

// Tracker accumulates activity and persists patterns.
//
// Thread Safety: safe for concurrent use; one mutex guards the pattern map.
type Tracker struct {
	mu       sync.Mutex
	patterns map[string]*models.CustomerActivityPattern

	store *db.ActivityDB
	log   *zerolog.Logger
}

// NewTracker creates a new activity tracker.
func NewTracker(database *db.Database) *Tracker {
	return &Tracker{
		patterns: make(map[string]*models.CustomerActivityPattern),
		store:    db.NewActivityDB(database.DB()),
		log:      logger.Registry(),
	}
}

// RecordCommand increments the current hour's bucket for a user and re-runs
// quiet-hour detection once the sample threshold is reached. Persistence is
// asynchronous; a lost write only costs one histogram increment.
func (t *Tracker) RecordCommand(userID string) {
	hour := time.Now().Hour()

	t.mu.Lock()
	p, ok := t.patterns[userID]
	if !ok {
		loaded, err := t.loadPattern(userID)
		if err != nil {
			t.mu.Unlock()
			t.log.Warn().Err(err).Str("userId", userID).Msg("Failed to load activity pattern")
			return
		}
		p = loaded
		t.patterns[userID] = p
	}

	p.HourlyActivity[hour]++
	if p.TotalActivity() >= DetectionThreshold {
		start, end, found := DetectQuietHours(p.HourlyActivity)
		if found {
			p.QuietHoursStart = &start
			p.QuietHoursEnd = &end
		} else {
			p.QuietHoursStart = nil
			p.QuietHoursEnd = nil
		}
	}
	snapshot := *p
	t.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.store.SavePattern(ctx, &snapshot); err != nil {
			t.log.Warn().Err(err).Str("userId", userID).Msg("Failed to persist activity pattern")
		}
	}()
}

// Pattern returns a copy of the user's current pattern.
func (t *Tracker) Pattern(userID string) models.CustomerActivityPattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.patterns[userID]; ok {
		return *p
	}
	return models.CustomerActivityPattern{UserID: userID}
}

func (t *Tracker) loadPattern(userID string) (*models.CustomerActivityPattern, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return t.store.GetPattern(ctx, userID)
}

// DetectQuietHours finds the longest run of hours whose count is below a
// quarter of the hourly average. The scan runs over a doubled 48-hour array
// so a quiet stretch spanning midnight is seen as one run. Runs shorter than
// MinQuietRun hours do not count.
//
// Returns the first and last hour of the run (inclusive, mod 24).
func DetectQuietHours(hourly [24]int) (start, end int, found bool) {
	total := 0
	for _, n := range hourly {
		total += n
	}
	if total == 0 {
		return 0, 0, false
	}
	threshold := float64(total) / 24.0 / 4.0

	bestStart, bestLen := -1, 0
	runStart, runLen := -1, 0

	for i := 0; i < 48; i++ {
		h := i % 24
		if float64(hourly[h]) < threshold {
			if runLen == 0 {
				runStart = i
			}
			runLen++
			// A run can never usefully exceed 24 hours.
			if runLen > 24 {
				runLen = 24
				runStart++
			}
			if runLen > bestLen {
				bestLen = runLen
				bestStart = runStart
			}
		} else {
			runLen = 0
		}
	}

	if bestLen < MinQuietRun {
		return 0, 0, false
	}
	start = bestStart % 24
	end = (bestStart + bestLen - 1) % 24
	return start, end, true
}
