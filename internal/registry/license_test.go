package registry

import (
	"testing"
	"time"

	"github.com/screenlink/screenlink/broker/internal/models"
)

func activeLicense() *models.License {
	return &models.License{Status: models.LicenseStatusActive}
}

func TestProjectLicenseStatusAgentStateWins(t *testing.T) {
	now := time.Now()
	cases := []struct {
		state string
		want  string
	}{
		{models.AgentStateBlocked, LicenseBlocked},
		{models.AgentStateExpired, LicenseExpired},
		{models.AgentStateActive, LicenseActive},
	}
	for _, tc := range cases {
		// Even a suspended license cannot override an explicit agent state.
		lic := &models.License{Status: models.LicenseStatusSuspended}
		if got := ProjectLicenseStatus(tc.state, lic, now); got != tc.want {
			t.Errorf("state %s: expected %s, got %s", tc.state, tc.want, got)
		}
	}
}

func TestProjectLicenseStatusDerivedFromLicense(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		lic  *models.License
		want string
	}{
		{"suspended", &models.License{Status: models.LicenseStatusSuspended}, LicenseBlocked},
		{"expired status", &models.License{Status: models.LicenseStatusExpired}, LicenseExpired},
		{"active but validUntil past", &models.License{Status: models.LicenseStatusActive, ValidUntil: &past}, LicenseExpired},
		{"active trial ended", &models.License{Status: models.LicenseStatusActive, IsTrial: true, TrialEnds: &past}, LicenseExpired},
		{"active trial running", &models.License{Status: models.LicenseStatusActive, IsTrial: true, TrialEnds: &future}, LicensePending},
		{"no license row", nil, LicensePending},
	}
	for _, tc := range cases {
		if got := ProjectLicenseStatus(models.AgentStatePending, tc.lic, now); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestProjectLicenseStatusPendingAgentStaysPending(t *testing.T) {
	// A healthy license on a PENDING agent projects pending, not active:
	// the agent still awaits activation.
	got := ProjectLicenseStatus(models.AgentStatePending, activeLicense(), time.Now())
	if got != LicensePending {
		t.Errorf("Expected pending, got %s", got)
	}
}

func TestHeartbeatIntervalTable(t *testing.T) {
	cases := map[string]int{
		models.PowerStateActive:  5,
		models.PowerStatePassive: 30,
		models.PowerStateSleep:   300,
		"":                       30,
	}
	for state, want := range cases {
		if got := models.HeartbeatIntervalFor(state); got != want {
			t.Errorf("HeartbeatIntervalFor(%q) = %d, want %d", state, got, want)
		}
	}
}
