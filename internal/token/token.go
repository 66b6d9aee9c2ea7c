// Package token implements the opaque credential codec used by the OAuth
// server and the tenant MCP endpoint.
//
// Tokens are opaque prefixed strings: the prefix identifies the credential
// class and the body is at least 256 bits of CSPRNG output, base64url encoded
// without padding. Persistence stores only SHA-256 hashes of the plaintext;
// the plaintext is returned to the caller exactly once.
//
// Example:
//
//	codec := token.NewCodec()
//	plain, hash, err := codec.GenerateAccessToken()
//	// store hash, hand plain to the client
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// Token prefixes. The prefix is part of the wire format: clients and support
// tooling rely on it to tell credential classes apart in logs and bug reports.
const (
	PrefixAccessToken  = "sc_at_"
	PrefixRefreshToken = "sc_rt_"
	PrefixAuthCode     = "sc_ac_"
)

// Credential lifetimes.
const (
	AccessTokenTTL  = 3600 * time.Second
	RefreshTokenTTL = 30 * 24 * time.Hour
	AuthCodeTTL     = 600 * time.Second
)

// tokenEntropyBytes is the random body size. 32 bytes = 256 bits.
const tokenEntropyBytes = 32

// Codec generates and hashes opaque tokens.
//
// All methods are safe for concurrent use; each generation is independent.
type Codec struct{}

// NewCodec creates a new token codec
func NewCodec() *Codec {
	return &Codec{}
}

// generate returns prefix + base64url(random 32 bytes) without padding.
func (c *Codec) generate(prefix string) (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateAccessToken returns a new access token and its storage hash.
func (c *Codec) GenerateAccessToken() (plain string, hash string, err error) {
	plain, err = c.generate(PrefixAccessToken)
	if err != nil {
		return "", "", err
	}
	return plain, c.HashToken(plain), nil
}

// GenerateRefreshToken returns a new refresh token and its storage hash.
func (c *Codec) GenerateRefreshToken() (plain string, hash string, err error) {
	plain, err = c.generate(PrefixRefreshToken)
	if err != nil {
		return "", "", err
	}
	return plain, c.HashToken(plain), nil
}

// GenerateAuthorizationCode returns a new authorization code and its storage hash.
func (c *Codec) GenerateAuthorizationCode() (plain string, hash string, err error) {
	plain, err = c.generate(PrefixAuthCode)
	if err != nil {
		return "", "", err
	}
	return plain, c.HashToken(plain), nil
}

// HashToken returns the hex-encoded SHA-256 of the plaintext token.
// Deterministic: the same plaintext always yields the same hash, which is
// what makes hash-keyed database lookups possible.
func (c *Codec) HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// VerifyTokenHash reports whether plain hashes to hash, in constant time.
func (c *Codec) VerifyTokenHash(plain, hash string) bool {
	computed := c.HashToken(plain)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// NormalizeAudience strips the trailing slash so that audience comparison is
// insensitive to it. Tokens minted for "https://host/mcp/A" must validate at
// "https://host/mcp/A/" and vice versa.
func NormalizeAudience(audience string) string {
	for len(audience) > 1 && audience[len(audience)-1] == '/' {
		audience = audience[:len(audience)-1]
	}
	return audience
}

// AudienceMatches compares two audience URLs after normalization.
func AudienceMatches(a, b string) bool {
	return NormalizeAudience(a) == NormalizeAudience(b)
}
