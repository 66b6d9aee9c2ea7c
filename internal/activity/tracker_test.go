package activity

import "testing"

func TestDetectQuietHoursSimpleNightWindow(t *testing.T) {
	var hourly [24]int
	// Busy day, silent night (0-6).
	for h := 7; h < 24; h++ {
		hourly[h] = 10
	}

	start, end, found := DetectQuietHours(hourly)
	if !found {
		t.Fatal("Expected quiet hours to be detected")
	}
	// The run wraps from the end of the quiet stretch; 0..6 is silent and
	// at least 4 hours long.
	if end != 6 {
		t.Errorf("Expected quiet end 6, got %d", end)
	}
	if hourly[start] != 0 {
		t.Errorf("Quiet start %d is not a quiet hour", start)
	}
}

func TestDetectQuietHoursWrapAroundMidnight(t *testing.T) {
	var hourly [24]int
	// Silence from 22:00 through 03:00, busy otherwise.
	for h := 4; h < 22; h++ {
		hourly[h] = 10
	}

	start, end, found := DetectQuietHours(hourly)
	if !found {
		t.Fatal("Expected quiet hours to be detected")
	}
	if start != 22 || end != 3 {
		t.Errorf("Expected 22-3 wrap-around run, got %d-%d", start, end)
	}
}

func TestDetectQuietHoursShortRunIgnored(t *testing.T) {
	hourly := [24]int{}
	// Uniform activity except a 3-hour dip: below MinQuietRun.
	for h := 0; h < 24; h++ {
		hourly[h] = 10
	}
	hourly[2], hourly[3], hourly[4] = 0, 0, 0

	if _, _, found := DetectQuietHours(hourly); found {
		t.Error("Expected 3-hour dip to be ignored")
	}
}

func TestDetectQuietHoursNoActivity(t *testing.T) {
	var hourly [24]int
	if _, _, found := DetectQuietHours(hourly); found {
		t.Error("Expected no detection on an empty histogram")
	}
}

func TestDetectQuietHoursThreshold(t *testing.T) {
	var hourly [24]int
	for h := 0; h < 24; h++ {
		hourly[h] = 10
	}
	// total=176, threshold = 176/24/4 ≈ 1.83: the 1-activity hours are
	// quiet, the 3-activity hours are not.
	hourly[1], hourly[2], hourly[3], hourly[4] = 1, 1, 1, 1
	hourly[10], hourly[11], hourly[12], hourly[13] = 3, 3, 3, 3

	start, end, found := DetectQuietHours(hourly)
	if !found {
		t.Fatal("Expected quiet hours at the 1-activity stretch")
	}
	if start != 1 || end != 4 {
		t.Errorf("Expected 1-4, got %d-%d", start, end)
	}
}
