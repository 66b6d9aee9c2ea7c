// Package db: OAuth data access.
//
// Credentials are stored hash-only. The two operations with atomicity
// requirements run in transactions:
//   - ConsumeCodeAndIssueToken: marks the authorization code consumed and
//     inserts the access token in one transaction, so a replayed code
//     observes consumed_at and fails.
//   - RotateRefreshToken: revokes the old token row and inserts the new one.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// OAuthDB provides OAuth client, code, and token data access
type OAuthDB struct {
	db *sql.DB
}

// NewOAuthDB creates a new OAuthDB
func NewOAuthDB(db *sql.DB) *OAuthDB {
	return &OAuthDB{db: db}
}

// ---- clients ----

// CreateClient inserts a dynamically registered client.
func (odb *OAuthDB) CreateClient(ctx context.Context, c *models.OAuthClient) error {
	_, err := odb.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (client_id, client_secret_hash, redirect_uris,
			grant_types, response_types, scopes, token_endpoint_auth_method,
			registration_access_token_hash, client_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ClientID, c.ClientSecretHash, c.RedirectURIs, c.GrantTypes, c.ResponseTypes,
		c.Scopes, c.TokenEndpointAuthMethod, c.RegistrationAccessTokenHash,
		c.ClientName, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create oauth client: %w", err)
	}
	return nil
}

// GetClient fetches a client by client_id. Returns nil, nil when unknown.
func (odb *OAuthDB) GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	var c models.OAuthClient
	err := odb.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret_hash, redirect_uris, grant_types,
			response_types, scopes, token_endpoint_auth_method,
			registration_access_token_hash, client_name, created_at
		FROM oauth_clients WHERE client_id = $1
	`, clientID).Scan(&c.ClientID, &c.ClientSecretHash, &c.RedirectURIs, &c.GrantTypes,
		&c.ResponseTypes, &c.Scopes, &c.TokenEndpointAuthMethod,
		&c.RegistrationAccessTokenHash, &c.ClientName, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth client: %w", err)
	}
	return &c, nil
}

// ---- authorization codes ----

// CreateAuthorizationCode stores a new code (hash-keyed).
func (odb *OAuthDB) CreateAuthorizationCode(ctx context.Context, code *models.OAuthAuthorizationCode) error {
	_, err := odb.db.ExecContext(ctx, `
		INSERT INTO oauth_authorization_codes (code_hash, client_id, user_id,
			connection_id, redirect_uri, scope, code_challenge, code_challenge_method,
			audience, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, code.CodeHash, code.ClientID, code.UserID, code.ConnectionID, code.RedirectURI,
		code.Scope, code.CodeChallenge, code.CodeChallengeMethod, code.Audience,
		code.ExpiresAt, code.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode fetches a code row by hash. Returns nil, nil when
// unknown.
func (odb *OAuthDB) GetAuthorizationCode(ctx context.Context, codeHash string) (*models.OAuthAuthorizationCode, error) {
	var c models.OAuthAuthorizationCode
	err := odb.db.QueryRowContext(ctx, `
		SELECT code_hash, client_id, user_id, connection_id, redirect_uri, scope,
			code_challenge, code_challenge_method, audience, expires_at, consumed_at,
			created_at
		FROM oauth_authorization_codes WHERE code_hash = $1
	`, codeHash).Scan(&c.CodeHash, &c.ClientID, &c.UserID, &c.ConnectionID,
		&c.RedirectURI, &c.Scope, &c.CodeChallenge, &c.CodeChallengeMethod,
		&c.Audience, &c.ExpiresAt, &c.ConsumedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	return &c, nil
}

// ConsumeCodeAndIssueToken marks the authorization code consumed and inserts
// the access token row in one transaction. The conditional UPDATE guards
// against replay: if another transaction consumed the code first, zero rows
// match and the whole transaction rolls back.
func (odb *OAuthDB) ConsumeCodeAndIssueToken(ctx context.Context, codeHash string, tok *models.OAuthAccessToken) error {
	tx, err := odb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE oauth_authorization_codes
		SET consumed_at = $1
		WHERE code_hash = $2 AND consumed_at IS NULL
	`, time.Now(), codeHash)
	if err != nil {
		return fmt.Errorf("failed to consume authorization code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check consumed rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("authorization code already consumed")
	}

	if err := insertAccessToken(ctx, tx, tok); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit token issuance: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertAccessToken(ctx context.Context, ex execer, tok *models.OAuthAccessToken) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO oauth_access_tokens (id, access_token_hash, user_id, connection_id,
			client_id, scope, audience, access_expires_at, refresh_token_hash,
			refresh_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tok.ID, tok.AccessTokenHash, tok.UserID, tok.ConnectionID, tok.ClientID,
		tok.Scope, tok.Audience, tok.AccessExpiresAt, tok.RefreshTokenHash,
		tok.RefreshExpiresAt, tok.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert access token: %w", err)
	}
	return nil
}

// ---- access tokens ----

const accessTokenColumns = `id, access_token_hash, user_id, connection_id, client_id,
	scope, audience, access_expires_at, refresh_token_hash, refresh_expires_at,
	revoked_at, last_used_at, created_at`

func scanAccessToken(row *sql.Row) (*models.OAuthAccessToken, error) {
	var t models.OAuthAccessToken
	err := row.Scan(&t.ID, &t.AccessTokenHash, &t.UserID, &t.ConnectionID, &t.ClientID,
		&t.Scope, &t.Audience, &t.AccessExpiresAt, &t.RefreshTokenHash,
		&t.RefreshExpiresAt, &t.RevokedAt, &t.LastUsedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetAccessTokenByHash fetches a token row by access token hash. Returns
// nil, nil when unknown.
func (odb *OAuthDB) GetAccessTokenByHash(ctx context.Context, hash string) (*models.OAuthAccessToken, error) {
	row := odb.db.QueryRowContext(ctx,
		`SELECT `+accessTokenColumns+` FROM oauth_access_tokens WHERE access_token_hash = $1`, hash)
	t, err := scanAccessToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	return t, nil
}

// GetAccessTokenByRefreshHash fetches a token row by refresh token hash.
func (odb *OAuthDB) GetAccessTokenByRefreshHash(ctx context.Context, hash string) (*models.OAuthAccessToken, error) {
	row := odb.db.QueryRowContext(ctx,
		`SELECT `+accessTokenColumns+` FROM oauth_access_tokens WHERE refresh_token_hash = $1`, hash)
	t, err := scanAccessToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token by refresh hash: %w", err)
	}
	return t, nil
}

// RotateRefreshToken revokes the old token row and inserts its replacement
// in one transaction.
func (odb *OAuthDB) RotateRefreshToken(ctx context.Context, oldTokenID string, newTok *models.OAuthAccessToken) error {
	tx, err := odb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE oauth_access_tokens SET revoked_at = $1
		WHERE id = $2 AND revoked_at IS NULL
	`, time.Now(), oldTokenID); err != nil {
		return fmt.Errorf("failed to revoke rotated token: %w", err)
	}

	if err := insertAccessToken(ctx, tx, newTok); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit token rotation: %w", err)
	}
	return nil
}

// RevokeByHash revokes the token row matching the given access or refresh
// token hash. Idempotent: an already-revoked row keeps its original
// revoked_at. Returns true when a live row was revoked.
func (odb *OAuthDB) RevokeByHash(ctx context.Context, hash string) (bool, error) {
	res, err := odb.db.ExecContext(ctx, `
		UPDATE oauth_access_tokens SET revoked_at = $1
		WHERE (access_token_hash = $2 OR refresh_token_hash = $2) AND revoked_at IS NULL
	`, time.Now(), hash)
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check revoked rows: %w", err)
	}
	return n > 0, nil
}

// TouchAccessToken stamps last_used_at.
func (odb *OAuthDB) TouchAccessToken(ctx context.Context, id string) error {
	_, err := odb.db.ExecContext(ctx,
		`UPDATE oauth_access_tokens SET last_used_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch access token: %w", err)
	}
	return nil
}

// PurgeExpired deletes authorization codes and tokens that can never be used
// again. Run from the maintenance cron.
func (odb *OAuthDB) PurgeExpired(ctx context.Context) (int64, error) {
	now := time.Now()
	var total int64

	res, err := odb.db.ExecContext(ctx,
		`DELETE FROM oauth_authorization_codes WHERE expires_at < $1`, now.Add(-time.Hour))
	if err != nil {
		return 0, fmt.Errorf("failed to purge authorization codes: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = odb.db.ExecContext(ctx, `
		DELETE FROM oauth_access_tokens
		WHERE access_expires_at < $1
			AND (refresh_expires_at IS NULL OR refresh_expires_at < $1)
	`, now.Add(-24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("failed to purge access tokens: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}
