// Package models defines the core data structures for the ScreenLink broker.
//
// Persistent entities mirror their database rows (json + db tags, pointer
// types for nullable columns). In-memory entities used by the registry and
// router live in the registry package (internal/registry).
package models

import "time"

// User account status values.
const (
	AccountStatusActive    = "ACTIVE"
	AccountStatusSuspended = "SUSPENDED"
)

// User represents a customer account.
//
// Agents belong to users; MCP connections and OAuth grants are issued on a
// user's behalf. Users are created implicitly the first time an agent with an
// unknown customer id registers (a "system user"), or explicitly through
// signup flows outside this service.
type User struct {
	ID            string    `json:"id" db:"id"`
	Email         string    `json:"email" db:"email"`
	Name          *string   `json:"name,omitempty" db:"name"`
	PasswordHash  *string   `json:"-" db:"password_hash"`
	AccountStatus string    `json:"accountStatus" db:"account_status"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// License status values.
const (
	LicenseStatusActive    = "ACTIVE"
	LicenseStatusExpired   = "EXPIRED"
	LicenseStatusSuspended = "SUSPENDED"
)

// License represents an entitlement to run agents.
//
// A license with Status=ACTIVE is only effective when ValidUntil (if set) and
// TrialEnds (if IsTrial) are in the future; the registry projects this into
// the license status pushed to agents.
type License struct {
	ID           string     `json:"id" db:"id"`
	UserID       string     `json:"userId" db:"user_id"`
	LicenseKey   string     `json:"licenseKey" db:"license_key"`
	ProductType  string     `json:"productType" db:"product_type"`
	Status       string     `json:"status" db:"status"`
	ValidUntil   *time.Time `json:"validUntil,omitempty" db:"valid_until"`
	IsTrial      bool       `json:"isTrial" db:"is_trial"`
	TrialStarted *time.Time `json:"trialStarted,omitempty" db:"trial_started"`
	TrialEnds    *time.Time `json:"trialEnds,omitempty" db:"trial_ends"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
}

// TrialDays is the length of the trial license created for first-seen agents.
const TrialDays = 14
