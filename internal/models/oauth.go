package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// McpConnection status values.
const (
	ConnectionStatusActive  = "ACTIVE"
	ConnectionStatusRevoked = "REVOKED"
)

// McpConnection links a user to one tenant endpoint URL (/mcp/{endpointUuid}).
//
// Access tokens are audience-bound to the endpoint; a revoked connection
// invalidates every token minted for it.
type McpConnection struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"userId" db:"user_id"`
	EndpointUUID  string     `json:"endpointUuid" db:"endpoint_uuid"`
	Name          string     `json:"name" db:"name"`
	Status        string     `json:"status" db:"status"`
	TotalRequests int64      `json:"totalRequests" db:"total_requests"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
}

// StringSlice is a JSONB column holding a list of strings (redirect URIs,
// grant types, scopes).
type StringSlice []string

// Scan implements the sql.Scanner interface for StringSlice.
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for StringSlice.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(s)
}

// Token endpoint auth methods accepted at dynamic client registration.
const (
	AuthMethodNone             = "none"
	AuthMethodClientSecretPost = "client_secret_post"
)

// OAuthClient is a dynamically registered OAuth client (RFC 7591).
type OAuthClient struct {
	ClientID                    string      `json:"clientId" db:"client_id"`
	ClientSecretHash            *string     `json:"-" db:"client_secret_hash"`
	RedirectURIs                StringSlice `json:"redirectUris" db:"redirect_uris"`
	GrantTypes                  StringSlice `json:"grantTypes" db:"grant_types"`
	ResponseTypes               StringSlice `json:"responseTypes" db:"response_types"`
	Scopes                      StringSlice `json:"scopes" db:"scopes"`
	TokenEndpointAuthMethod     string      `json:"tokenEndpointAuthMethod" db:"token_endpoint_auth_method"`
	RegistrationAccessTokenHash *string     `json:"-" db:"registration_access_token_hash"`
	ClientName                  *string     `json:"clientName,omitempty" db:"client_name"`
	CreatedAt                   time.Time   `json:"createdAt" db:"created_at"`
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *OAuthClient) IsConfidential() bool {
	return c.TokenEndpointAuthMethod == AuthMethodClientSecretPost
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *OAuthClient) HasRedirectURI(uri string) bool {
	for _, r := range c.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

// OAuthAuthorizationCode is a single-use authorization code. Only the SHA-256
// hash of the code is stored; ConsumedAt is set atomically with token
// issuance in the same transaction.
type OAuthAuthorizationCode struct {
	CodeHash            string      `json:"-" db:"code_hash"`
	ClientID            string      `json:"clientId" db:"client_id"`
	UserID              string      `json:"userId" db:"user_id"`
	ConnectionID        string      `json:"connectionId" db:"connection_id"`
	RedirectURI         string      `json:"redirectUri" db:"redirect_uri"`
	Scope               StringSlice `json:"scope" db:"scope"`
	CodeChallenge       string      `json:"-" db:"code_challenge"`
	CodeChallengeMethod string      `json:"-" db:"code_challenge_method"`
	Audience            string      `json:"audience" db:"audience"`
	ExpiresAt           time.Time   `json:"expiresAt" db:"expires_at"`
	ConsumedAt          *time.Time  `json:"consumedAt,omitempty" db:"consumed_at"`
	CreatedAt           time.Time   `json:"createdAt" db:"created_at"`
}

// OAuthAccessToken is an issued access token (and optionally its paired
// refresh token). Only hashes are stored.
type OAuthAccessToken struct {
	ID               string      `json:"id" db:"id"`
	AccessTokenHash  string      `json:"-" db:"access_token_hash"`
	UserID           string      `json:"userId" db:"user_id"`
	ConnectionID     string      `json:"connectionId" db:"connection_id"`
	ClientID         string      `json:"clientId" db:"client_id"`
	Scope            StringSlice `json:"scope" db:"scope"`
	Audience         string      `json:"audience" db:"audience"`
	AccessExpiresAt  time.Time   `json:"accessExpiresAt" db:"access_expires_at"`
	RefreshTokenHash *string     `json:"-" db:"refresh_token_hash"`
	RefreshExpiresAt *time.Time  `json:"refreshExpiresAt,omitempty" db:"refresh_expires_at"`
	RevokedAt        *time.Time  `json:"revokedAt,omitempty" db:"revoked_at"`
	LastUsedAt       *time.Time  `json:"lastUsedAt,omitempty" db:"last_used_at"`
	CreatedAt        time.Time   `json:"createdAt" db:"created_at"`
}

// AiConnection tracks one AI client session against a tenant endpoint.
type AiConnection struct {
	ID             string     `json:"id" db:"id"`
	SessionID      string     `json:"sessionId" db:"session_id"`
	UserID         string     `json:"userId" db:"user_id"`
	ClientName     *string    `json:"clientName,omitempty" db:"client_name"`
	ClientVersion  *string    `json:"clientVersion,omitempty" db:"client_version"`
	IsActive       bool       `json:"isActive" db:"is_active"`
	AuthorizedAt   *time.Time `json:"authorizedAt,omitempty" db:"authorized_at"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty" db:"disconnected_at"`
	LastActivityAt time.Time  `json:"lastActivityAt" db:"last_activity_at"`
}

// McpRequestLog is the append-only audit record of tenant endpoint calls.
type McpRequestLog struct {
	ID           string    `json:"id" db:"id"`
	ConnectionID string    `json:"connectionId" db:"connection_id"`
	UserID       string    `json:"userId" db:"user_id"`
	Method       string    `json:"method" db:"method"`
	ToolName     *string   `json:"toolName,omitempty" db:"tool_name"`
	StatusCode   int       `json:"statusCode" db:"status_code"`
	IPAddress    *string   `json:"ipAddress,omitempty" db:"ip_address"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}
