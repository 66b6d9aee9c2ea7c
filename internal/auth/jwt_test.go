package auth

import (
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestJWTManagerRequiresStrongSecret(t *testing.T) {
	if _, err := NewJWTManager("short"); err == nil {
		t.Error("Expected short secret to be rejected")
	}
	if _, err := NewJWTManager(testSecret); err != nil {
		t.Errorf("Expected 32-byte secret to be accepted, got %v", err)
	}
}

func TestGenerateValidateRoundTrip(t *testing.T) {
	m, err := NewJWTManager(testSecret)
	if err != nil {
		t.Fatalf("NewJWTManager failed: %v", err)
	}

	tok, err := m.GenerateToken("user-1", "alice@example.com")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := m.ValidateToken(tok)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "alice@example.com" {
		t.Errorf("Claims mismatch: %+v", claims)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	m, _ := NewJWTManager(testSecret)
	tok, _ := m.GenerateToken("user-1", "alice@example.com")

	tampered := tok[:len(tok)-2] + "xx"
	if _, err := m.ValidateToken(tampered); err == nil {
		t.Error("Expected tampered token to be rejected")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	m1, _ := NewJWTManager(testSecret)
	m2, _ := NewJWTManager(strings.Repeat("x", 32))
	tok, _ := m1.GenerateToken("user-1", "alice@example.com")

	if _, err := m2.ValidateToken(tok); err == nil {
		t.Error("Expected token signed with another secret to be rejected")
	}
}

func TestValidateRejectsWrongAlgorithm(t *testing.T) {
	m, _ := NewJWTManager(testSecret)

	// An unsigned token must never validate, whatever its claims say.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{UserID: "user-1"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to build none-alg token: %v", err)
	}
	if _, err := m.ValidateToken(raw); err == nil {
		t.Error("Expected alg=none token to be rejected")
	}
}
