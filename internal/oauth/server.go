// Package oauth implements the broker's OAuth 2.1 authorization server.
//
// Endpoints:
//   - POST /api/oauth/register  — dynamic client registration (RFC 7591)
//   - GET  /api/oauth/authorize — authorization code issuance (PKCE required)
//   - POST /api/oauth/token     — code exchange and refresh rotation
//   - POST /api/oauth/revoke    — token revocation (RFC 7009, idempotent)
//   - GET  /.well-known/oauth-authorization-server
//   - GET  /.well-known/oauth-protected-resource
//
// Every access token is audience-bound to one tenant endpoint URL (the
// resource parameter of the authorization request). Only S256 PKCE is
// accepted; plain is not.
package oauth

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/screenlink/screenlink/broker/internal/auth"
	"github.com/screenlink/screenlink/broker/internal/db"
	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/scope"
	"github.com/screenlink/screenlink/broker/internal/token"
)

// Server implements the OAuth endpoints.
type Server struct {
	oauth       *db.OAuthDB
	connections *db.ConnectionDB
	codec       *token.Codec
	sessions    *auth.Handler
	appURL      string
	log         *zerolog.Logger
}

// NewServer creates a new OAuth server.
//
// appURL is the public base URL (APP_URL) used as issuer and for audience
// computation.
func NewServer(database *db.Database, sessions *auth.Handler, appURL string) *Server {
	return &Server{
		oauth:       db.NewOAuthDB(database.DB()),
		connections: db.NewConnectionDB(database.DB()),
		codec:       token.NewCodec(),
		sessions:    sessions,
		appURL:      strings.TrimRight(appURL, "/"),
		log:         logger.OAuth(),
	}
}

// RegisterRoutes registers all OAuth routes.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/.well-known/oauth-authorization-server", s.AuthorizationServerMetadata)
	r.GET("/.well-known/oauth-protected-resource", s.ProtectedResourceMetadata)

	api := r.Group("/api/oauth")
	api.POST("/register", s.Register)
	api.GET("/authorize", s.Authorize)
	api.POST("/token", s.Token)
	api.POST("/revoke", s.Revoke)
}

// oauthError writes an RFC 6749 error response.
func oauthError(c *gin.Context, status int, code, description string) {
	c.JSON(status, gin.H{"error": code, "error_description": description})
}

// ---- metadata ----

// AuthorizationServerMetadata serves RFC 8414 discovery.
func (s *Server) AuthorizationServerMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                s.appURL,
		"authorization_endpoint":                s.appURL + "/api/oauth/authorize",
		"token_endpoint":                        s.appURL + "/api/oauth/token",
		"registration_endpoint":                 s.appURL + "/api/oauth/register",
		"revocation_endpoint":                   s.appURL + "/api/oauth/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
		"scopes_supported":                      scope.All,
	})
}

// ProtectedResourceMetadata serves RFC 9728 discovery.
func (s *Server) ProtectedResourceMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"resource":              s.appURL,
		"authorization_servers": []string{s.appURL},
	})
}

// ---- dynamic client registration ----

type registerRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope"`
	ClientName              string   `json:"client_name"`
}

// validRedirectURI accepts HTTPS URIs plus loopback HTTP for native clients.
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		host := u.Hostname()
		return host == "127.0.0.1" || host == "localhost"
	default:
		return false
	}
}

// Register implements RFC 7591 dynamic client registration.
func (s *Server) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_client_metadata", "request body must be JSON")
		return
	}

	if len(req.RedirectURIs) == 0 {
		oauthError(c, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, uri := range req.RedirectURIs {
		if !validRedirectURI(uri) {
			oauthError(c, http.StatusBadRequest, "invalid_redirect_uri",
				"redirect URIs must be HTTPS, or HTTP on 127.0.0.1/localhost")
			return
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code"}
	}
	for _, g := range grantTypes {
		if g != "authorization_code" && g != "refresh_token" {
			oauthError(c, http.StatusBadRequest, "invalid_client_metadata", "unsupported grant_type "+g)
			return
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			oauthError(c, http.StatusBadRequest, "invalid_client_metadata", "unsupported response_type "+rt)
			return
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = models.AuthMethodNone
	}
	if authMethod != models.AuthMethodNone && authMethod != models.AuthMethodClientSecretPost {
		oauthError(c, http.StatusBadRequest, "invalid_client_metadata",
			"token_endpoint_auth_method must be none or client_secret_post")
		return
	}

	scopes := scope.Parse(req.Scope)
	if len(scopes) == 0 {
		scopes = scope.All
	}
	if err := scope.Validate(scopes); err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}

	client := &models.OAuthClient{
		ClientID:                uuid.New().String(),
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scopes:                  scopes,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               time.Now(),
	}
	if req.ClientName != "" {
		client.ClientName = &req.ClientName
	}

	response := gin.H{
		"client_id":                  client.ClientID,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"scope":                      scope.Join(client.Scopes),
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"client_id_issued_at":        client.CreatedAt.Unix(),
	}

	if client.IsConfidential() {
		secret := uuid.New().String() + uuid.New().String()
		hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			oauthError(c, http.StatusInternalServerError, "server_error", "failed to hash client secret")
			return
		}
		h := string(hashed)
		client.ClientSecretHash = &h
		response["client_secret"] = secret
	}

	// Registration access token (for future RFC 7592 management).
	regToken, regHash, err := s.codec.GenerateAccessToken()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to generate registration token")
		return
	}
	client.RegistrationAccessTokenHash = &regHash
	response["registration_access_token"] = regToken

	if err := s.oauth.CreateClient(c.Request.Context(), client); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist oauth client")
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to register client")
		return
	}

	s.log.Info().Str("clientId", client.ClientID).Str("authMethod", authMethod).Msg("Client registered")
	c.JSON(http.StatusCreated, response)
}

// ---- authorization endpoint ----

// Authorize implements the authorization-code flow with mandatory PKCE.
//
// The resource parameter names the tenant endpoint the client intends to
// call; the issued token's audience binds to it.
func (s *Server) Authorize(c *gin.Context) {
	claims := s.sessions.SessionUser(c)
	if claims == nil {
		oauthError(c, http.StatusUnauthorized, "login_required",
			"authenticate via POST /api/auth/login first")
		return
	}

	q := c.Request.URL.Query()
	responseType := q.Get("response_type")
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	codeChallenge := q.Get("code_challenge")
	challengeMethod := q.Get("code_challenge_method")
	requestedScope := q.Get("scope")
	state := q.Get("state")
	resource := q.Get("resource")

	if responseType != "code" {
		oauthError(c, http.StatusBadRequest, "unsupported_response_type", "response_type must be code")
		return
	}
	if clientID == "" || redirectURI == "" || state == "" {
		oauthError(c, http.StatusBadRequest, "invalid_request", "client_id, redirect_uri and state are required")
		return
	}
	if codeChallenge == "" || challengeMethod != token.CodeChallengeMethodS256 {
		oauthError(c, http.StatusBadRequest, "invalid_request", "PKCE with code_challenge_method=S256 is required")
		return
	}
	if resource == "" {
		oauthError(c, http.StatusBadRequest, "invalid_target", "resource parameter is required")
		return
	}

	client, err := s.oauth.GetClient(c.Request.Context(), clientID)
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "client lookup failed")
		return
	}
	if client == nil {
		oauthError(c, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	if !client.HasRedirectURI(redirectURI) {
		oauthError(c, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri is not registered")
		return
	}

	scopes := scope.Parse(requestedScope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if err := scope.Validate(scopes); err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}

	conn, err := s.connectionForResource(c, resource)
	if err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_target", err.Error())
		return
	}
	if conn.UserID != claims.UserID {
		oauthError(c, http.StatusForbidden, "access_denied", "endpoint belongs to another user")
		return
	}

	code, codeHash, err := s.codec.GenerateAuthorizationCode()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to generate code")
		return
	}

	record := &models.OAuthAuthorizationCode{
		CodeHash:            codeHash,
		ClientID:            client.ClientID,
		UserID:              claims.UserID,
		ConnectionID:        conn.ID,
		RedirectURI:         redirectURI,
		Scope:               models.StringSlice(scopes),
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: token.CodeChallengeMethodS256,
		Audience:            token.NormalizeAudience(resource),
		ExpiresAt:           time.Now().Add(token.AuthCodeTTL),
		CreatedAt:           time.Now(),
	}
	if err := s.oauth.CreateAuthorizationCode(c.Request.Context(), record); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist authorization code")
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to store code")
		return
	}

	redirect, _ := url.Parse(redirectURI)
	params := redirect.Query()
	params.Set("code", code)
	params.Set("state", state)
	redirect.RawQuery = params.Encode()

	s.log.Info().
		Str("clientId", client.ClientID).
		Str("connectionId", conn.ID).
		Str("userId", claims.UserID).
		Msg("Authorization code issued")

	c.Redirect(http.StatusFound, redirect.String())
}

// connectionForResource resolves the tenant endpoint named by a resource URL.
func (s *Server) connectionForResource(c *gin.Context, resource string) (*models.McpConnection, error) {
	normalized := token.NormalizeAudience(resource)
	idx := strings.LastIndex(normalized, "/mcp/")
	if idx < 0 {
		return nil, errInvalidResource
	}
	endpointUUID := normalized[idx+len("/mcp/"):]
	if endpointUUID == "" {
		return nil, errInvalidResource
	}
	conn, err := s.connections.GetConnectionByEndpointUUID(c.Request.Context(), endpointUUID)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != models.ConnectionStatusActive {
		return nil, errUnknownEndpoint
	}
	return conn, nil
}
