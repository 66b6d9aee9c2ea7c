package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE (RFC 7636) support. Only the S256 method is accepted; "plain" is
// rejected outright because every client this broker serves can compute a
// SHA-256.

// CodeChallengeMethodS256 is the only supported code_challenge_method.
const CodeChallengeMethodS256 = "S256"

// Code verifier length limits from RFC 7636 §4.1.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// ValidateCodeVerifier checks the verifier against the RFC 7636 grammar:
// 43-128 characters from the unreserved set [A-Za-z0-9-._~].
func ValidateCodeVerifier(verifier string) error {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return fmt.Errorf("code_verifier length must be %d-%d characters, got %d",
			minVerifierLength, maxVerifierLength, len(verifier))
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return fmt.Errorf("code_verifier contains invalid character %q at position %d", c, i)
		}
	}
	return nil
}

// GenerateS256Challenge computes BASE64URL(SHA256(verifier)) without padding.
func GenerateS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyCodeChallenge checks a code_verifier against the stored challenge.
// Only S256 is accepted. The comparison of the computed challenge against the
// stored one is constant-time.
func VerifyCodeChallenge(challenge, verifier, method string) error {
	if method != CodeChallengeMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q (only S256 is accepted)", method)
	}
	if err := ValidateCodeVerifier(verifier); err != nil {
		return err
	}
	computed := GenerateS256Challenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
