// Package auth provides resource-owner authentication for the OAuth
// authorization endpoint.
//
// The broker has no dashboard; the only interactive surface is the OAuth
// consent flow. A short-lived HS256 session JWT (sl_session cookie) minted at
// login identifies the user to /authorize.
//
// SECURITY:
//   - HMAC-SHA256 signing; the algorithm is verified on parse to prevent
//     substitution attacks ("alg": "none" and RSA-confusion are rejected)
//   - Issuer claim prevents cross-site token reuse
//   - Tokens expire after 24 hours; no refresh — users just log in again
//   - The secret must be at least 256 bits, loaded from the environment
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName is the cookie carrying the session JWT.
const SessionCookieName = "sl_session"

// SessionTTL is how long a login session lasts.
const SessionTTL = 24 * time.Hour

const issuer = "screenlink-broker"

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid session token")

// SessionClaims are the claims embedded in a session JWT.
type SessionClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// JWTManager mints and validates session tokens.
type JWTManager struct {
	secret []byte
}

// NewJWTManager creates a manager. The secret must be at least 32 bytes.
func NewJWTManager(secret string) (*JWTManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	return &JWTManager{secret: []byte(secret)}, nil
}

// GenerateToken mints a session JWT for a user.
func (m *JWTManager) GenerateToken(userID, email string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a session JWT, returning its claims.
func (m *JWTManager) ValidateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
