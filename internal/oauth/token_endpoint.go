package oauth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/scope"
	"github.com/screenlink/screenlink/broker/internal/token"
)

var (
	errInvalidResource = errors.New("resource must be a tenant endpoint URL")
	errUnknownEndpoint = errors.New("unknown or revoked endpoint")
)

// Token implements the token endpoint for both supported grants.
func (s *Server) Token(c *gin.Context) {
	switch c.PostForm("grant_type") {
	case "authorization_code":
		s.tokenAuthorizationCode(c)
	case "refresh_token":
		s.tokenRefresh(c)
	default:
		oauthError(c, http.StatusBadRequest, "unsupported_grant_type",
			"grant_type must be authorization_code or refresh_token")
	}
}

// authenticateClient verifies client credentials per its registered method.
func (s *Server) authenticateClient(c *gin.Context, clientID string) (*models.OAuthClient, bool) {
	client, err := s.oauth.GetClient(c.Request.Context(), clientID)
	if err != nil || client == nil {
		oauthError(c, http.StatusUnauthorized, "invalid_client", "unknown client")
		return nil, false
	}
	if client.IsConfidential() {
		secret := c.PostForm("client_secret")
		if secret == "" || client.ClientSecretHash == nil ||
			bcrypt.CompareHashAndPassword([]byte(*client.ClientSecretHash), []byte(secret)) != nil {
			oauthError(c, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return nil, false
		}
	}
	return client, true
}

func (s *Server) tokenAuthorizationCode(c *gin.Context) {
	code := c.PostForm("code")
	verifier := c.PostForm("code_verifier")
	redirectURI := c.PostForm("redirect_uri")
	clientID := c.PostForm("client_id")

	if code == "" || verifier == "" || clientID == "" {
		oauthError(c, http.StatusBadRequest, "invalid_request",
			"code, code_verifier and client_id are required")
		return
	}

	client, ok := s.authenticateClient(c, clientID)
	if !ok {
		return
	}

	record, err := s.oauth.GetAuthorizationCode(c.Request.Context(), s.codec.HashToken(code))
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "code lookup failed")
		return
	}
	if record == nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "unknown authorization code")
		return
	}
	if record.ConsumedAt != nil {
		s.log.Warn().Str("clientId", clientID).Msg("Authorization code replay attempt")
		oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return
	}
	if time.Now().After(record.ExpiresAt) {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code expired")
		return
	}
	if record.ClientID != client.ClientID {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "code was issued to another client")
		return
	}
	if redirectURI != record.RedirectURI {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if err := token.VerifyCodeChallenge(record.CodeChallenge, verifier, record.CodeChallengeMethod); err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	accessPlain, accessHash, err := s.codec.GenerateAccessToken()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to generate token")
		return
	}
	refreshPlain, refreshHash, err := s.codec.GenerateRefreshToken()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to generate token")
		return
	}

	now := time.Now()
	refreshExpires := now.Add(token.RefreshTokenTTL)
	tok := &models.OAuthAccessToken{
		ID:               uuid.New().String(),
		AccessTokenHash:  accessHash,
		UserID:           record.UserID,
		ConnectionID:     record.ConnectionID,
		ClientID:         client.ClientID,
		Scope:            record.Scope,
		Audience:         record.Audience,
		AccessExpiresAt:  now.Add(token.AccessTokenTTL),
		RefreshTokenHash: &refreshHash,
		RefreshExpiresAt: &refreshExpires,
		CreatedAt:        now,
	}

	// Consumption and issuance are one transaction; a concurrent replay of
	// the same code loses the race and gets invalid_grant.
	if err := s.oauth.ConsumeCodeAndIssueToken(c.Request.Context(), record.CodeHash, tok); err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return
	}

	s.log.Info().
		Str("clientId", client.ClientID).
		Str("connectionId", record.ConnectionID).
		Msg("Access token issued")

	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessPlain,
		"token_type":    "Bearer",
		"expires_in":    int(token.AccessTokenTTL.Seconds()),
		"refresh_token": refreshPlain,
		"scope":         scope.Join(record.Scope),
	})
}

func (s *Server) tokenRefresh(c *gin.Context) {
	refreshToken := c.PostForm("refresh_token")
	clientID := c.PostForm("client_id")
	if refreshToken == "" || clientID == "" {
		oauthError(c, http.StatusBadRequest, "invalid_request", "refresh_token and client_id are required")
		return
	}

	client, ok := s.authenticateClient(c, clientID)
	if !ok {
		return
	}

	existing, err := s.oauth.GetAccessTokenByRefreshHash(c.Request.Context(), s.codec.HashToken(refreshToken))
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "token lookup failed")
		return
	}
	if existing == nil || existing.ClientID != client.ClientID {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
		return
	}
	if existing.RevokedAt != nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "refresh token revoked")
		return
	}
	if existing.RefreshExpiresAt == nil || time.Now().After(*existing.RefreshExpiresAt) {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "refresh token expired")
		return
	}

	accessPlain, accessHash, err := s.codec.GenerateAccessToken()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to generate token")
		return
	}
	refreshPlain, refreshHash, err := s.codec.GenerateRefreshToken()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to generate token")
		return
	}

	now := time.Now()
	refreshExpires := now.Add(token.RefreshTokenTTL)
	rotated := &models.OAuthAccessToken{
		ID:               uuid.New().String(),
		AccessTokenHash:  accessHash,
		UserID:           existing.UserID,
		ConnectionID:     existing.ConnectionID,
		ClientID:         existing.ClientID,
		Scope:            existing.Scope,
		Audience:         existing.Audience,
		AccessExpiresAt:  now.Add(token.AccessTokenTTL),
		RefreshTokenHash: &refreshHash,
		RefreshExpiresAt: &refreshExpires,
		CreatedAt:        now,
	}

	if err := s.oauth.RotateRefreshToken(c.Request.Context(), existing.ID, rotated); err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to rotate token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessPlain,
		"token_type":    "Bearer",
		"expires_in":    int(token.AccessTokenTTL.Seconds()),
		"refresh_token": refreshPlain,
		"scope":         scope.Join(existing.Scope),
	})
}

// Revoke implements RFC 7009. Always 200: revoking an unknown or
// already-revoked token is a no-op, and no information leaks about which.
func (s *Server) Revoke(c *gin.Context) {
	raw := c.PostForm("token")
	if raw == "" {
		oauthError(c, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	revoked, err := s.oauth.RevokeByHash(c.Request.Context(), s.codec.HashToken(raw))
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "revocation failed")
		return
	}
	if revoked {
		s.log.Info().Msg("Token revoked")
	}
	c.Status(http.StatusOK)
}
