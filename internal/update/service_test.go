package update

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/screenlink/screenlink/broker/internal/cache"
	"github.com/screenlink/screenlink/broker/internal/db"
	"github.com/screenlink/screenlink/broker/internal/models"
)

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"v1.0.0", "1.0.0", 0},
		{"V2.1", "2.1.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.2.0", "1.10.0", -1},
		{"2.0.0", "1.99.99", 1},
		{"1.0.0-beta", "1.0.0", 0},
		{"1.0.0-beta.1", "1.0.1", -1},
		{"1", "1.0.0", 0},
	}
	for _, tc := range cases {
		if got := CompareVersions(tc.a, tc.b); got != tc.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCompareVersionsAntisymmetric(t *testing.T) {
	pairs := [][2]string{
		{"1.0.0", "1.0.1"},
		{"0.9.0", "1.0.0"},
		{"3.2.1", "3.2.10"},
	}
	for _, p := range pairs {
		ab := CompareVersions(p[0], p[1])
		ba := CompareVersions(p[1], p[0])
		if ab != -ba {
			t.Errorf("CompareVersions(%q,%q)=%d and reverse=%d are not negatives", p[0], p[1], ab, ba)
		}
	}
}

func TestHashCodeKnownValues(t *testing.T) {
	// The bucketing hash is frozen; these values must never change.
	cases := map[string]int32{
		"":     0,
		"a":    97,
		"test": 3556498,
	}
	for in, want := range cases {
		if got := HashCode(in); got != want {
			t.Errorf("HashCode(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestHashCodeStable(t *testing.T) {
	machineID := "machine-55f0c2"
	first := HashCode(machineID)
	for i := 0; i < 10; i++ {
		if HashCode(machineID) != first {
			t.Fatal("HashCode is not deterministic")
		}
	}
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	database := db.NewDatabaseForTesting(mockDB)
	disabled, _ := cache.NewCache(cache.Config{Enabled: false})
	svc := NewService(database, disabled)
	return svc, mock, func() { mockDB.Close() }
}

func expectVersionLookup(mock sqlmock.Sqlmock, version string, minVersion *string, rollout int) {
	versionRows := sqlmock.NewRows([]string{"id", "channel", "version", "min_version", "rollout_percent", "released_at"}).
		AddRow("v-1", models.ChannelStable, version, minVersion, rollout, time.Now())
	mock.ExpectQuery("SELECT id, channel, version").WillReturnRows(versionRows)

	buildRows := sqlmock.NewRows([]string{"id", "version_id", "platform", "arch", "url", "sha256"}).
		AddRow("b-1", "v-1", "darwin", "arm64", "https://dl.example/agent", "abc").
		AddRow("b-2", "v-1", "windows", "amd64", "https://dl.example/agent.exe", "def")
	mock.ExpectQuery("SELECT id, version_id, platform, arch").WillReturnRows(buildRows)
}

func TestCheckUpdateAvailable(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	expectVersionLookup(mock, "2.0.0", nil, 100)

	result, err := svc.CheckUpdateAvailable(context.Background(), "1.5.0", "darwin", "arm64", "m-1", models.ChannelStable)
	if err != nil {
		t.Fatalf("CheckUpdateAvailable failed: %v", err)
	}
	if !result.HasUpdate || result.Version != "2.0.0" || result.IsForced {
		t.Errorf("Expected optional update to 2.0.0, got %+v", result)
	}
}

func TestCheckUpdateSkipsMissingBuild(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	expectVersionLookup(mock, "2.0.0", nil, 100)

	result, err := svc.CheckUpdateAvailable(context.Background(), "1.5.0", "linux", "amd64", "m-1", models.ChannelStable)
	if err != nil {
		t.Fatalf("CheckUpdateAvailable failed: %v", err)
	}
	if result.HasUpdate {
		t.Errorf("Expected no update without a matching build, got %+v", result)
	}
}

func TestCheckUpdateAlreadyCurrent(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	expectVersionLookup(mock, "2.0.0", nil, 100)

	result, err := svc.CheckUpdateAvailable(context.Background(), "2.0.0", "darwin", "arm64", "m-1", models.ChannelStable)
	if err != nil {
		t.Fatalf("CheckUpdateAvailable failed: %v", err)
	}
	if result.HasUpdate {
		t.Errorf("Expected no update for current version, got %+v", result)
	}
}

func TestCheckUpdateForcedBelowMinVersion(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	minVersion := "1.8.0"
	// Forced updates bypass rollout gating entirely.
	expectVersionLookup(mock, "2.0.0", &minVersion, 0)

	result, err := svc.CheckUpdateAvailable(context.Background(), "1.5.0", "darwin", "arm64", "m-1", models.ChannelStable)
	if err != nil {
		t.Fatalf("CheckUpdateAvailable failed: %v", err)
	}
	if !result.HasUpdate || !result.IsForced {
		t.Errorf("Expected forced update, got %+v", result)
	}
}

func TestCheckUpdateRolloutBucketing(t *testing.T) {
	// |HashCode("test")| mod 100 = 98: outside a 50%% rollout, inside 99%%.
	svc, mock, cleanup := newTestService(t)
	defer cleanup()
	expectVersionLookup(mock, "2.0.0", nil, 50)
	result, err := svc.CheckUpdateAvailable(context.Background(), "1.5.0", "darwin", "arm64", "test", models.ChannelStable)
	if err != nil {
		t.Fatalf("CheckUpdateAvailable failed: %v", err)
	}
	if result.HasUpdate {
		t.Errorf("Expected bucket 98 to be outside a 50%% rollout, got %+v", result)
	}

	svc2, mock2, cleanup2 := newTestService(t)
	defer cleanup2()
	expectVersionLookup(mock2, "2.0.0", nil, 99)
	result, err = svc2.CheckUpdateAvailable(context.Background(), "1.5.0", "darwin", "arm64", "test", models.ChannelStable)
	if err != nil {
		t.Fatalf("CheckUpdateAvailable failed: %v", err)
	}
	if !result.HasUpdate {
		t.Errorf("Expected bucket 98 to be inside a 99%% rollout, got %+v", result)
	}
}

func TestChannelInfoCached(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	// One db round trip serves both calls inside the TTL.
	expectVersionLookup(mock, "2.0.0", nil, 100)

	for i := 0; i < 2; i++ {
		if _, err := svc.CheckUpdateAvailable(context.Background(), "1.0.0", "darwin", "arm64", "m-1", models.ChannelStable); err != nil {
			t.Fatalf("Call %d failed: %v", i, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Expected exactly one version lookup: %v", err)
	}
}

func TestChannelInfoRefreshAfterTTL(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	base := time.Now()
	svc.now = func() time.Time { return base }
	expectVersionLookup(mock, "2.0.0", nil, 100)
	if _, err := svc.CheckUpdateAvailable(context.Background(), "1.0.0", "darwin", "arm64", "m-1", models.ChannelStable); err != nil {
		t.Fatalf("First call failed: %v", err)
	}

	// Advance past the TTL; the next call refreshes.
	svc.now = func() time.Time { return base.Add(2 * cacheTTL) }
	expectVersionLookup(mock, "2.1.0", nil, 100)
	result, err := svc.CheckUpdateAvailable(context.Background(), "1.0.0", "darwin", "arm64", "m-1", models.ChannelStable)
	if err != nil {
		t.Fatalf("Second call failed: %v", err)
	}
	if result.Version != "2.1.0" {
		t.Errorf("Expected refreshed version 2.1.0, got %+v", result)
	}
}
