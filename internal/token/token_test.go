package token

import (
	"strings"
	"testing"
)

func TestGeneratedTokenPrefixes(t *testing.T) {
	codec := NewCodec()

	access, _, err := codec.GenerateAccessToken()
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}
	if !strings.HasPrefix(access, PrefixAccessToken) {
		t.Errorf("Expected access token prefix %s, got %s", PrefixAccessToken, access[:8])
	}

	refresh, _, err := codec.GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken failed: %v", err)
	}
	if !strings.HasPrefix(refresh, PrefixRefreshToken) {
		t.Errorf("Expected refresh token prefix %s, got %s", PrefixRefreshToken, refresh[:8])
	}

	code, _, err := codec.GenerateAuthorizationCode()
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode failed: %v", err)
	}
	if !strings.HasPrefix(code, PrefixAuthCode) {
		t.Errorf("Expected code prefix %s, got %s", PrefixAuthCode, code[:8])
	}
}

func TestTokenEntropy(t *testing.T) {
	codec := NewCodec()
	plain, _, err := codec.GenerateAccessToken()
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}
	// 32 bytes base64url without padding is 43 characters.
	body := strings.TrimPrefix(plain, PrefixAccessToken)
	if len(body) != 43 {
		t.Errorf("Expected 43-character body (256 bits), got %d", len(body))
	}
	if strings.ContainsAny(body, "+/=") {
		t.Errorf("Expected base64url without padding, got %q", body)
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	codec := NewCodec()
	plain, hash, err := codec.GenerateAccessToken()
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}
	if codec.HashToken(plain) != hash {
		t.Error("HashToken is not deterministic")
	}
	if !codec.VerifyTokenHash(plain, hash) {
		t.Error("VerifyTokenHash rejected a valid pair")
	}
	if codec.VerifyTokenHash(plain+"x", hash) {
		t.Error("VerifyTokenHash accepted a tampered token")
	}
}

func TestGeneratedTokensAreUnique(t *testing.T) {
	codec := NewCodec()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		plain, _, err := codec.GenerateAccessToken()
		if err != nil {
			t.Fatalf("GenerateAccessToken failed: %v", err)
		}
		if seen[plain] {
			t.Fatal("Duplicate token generated")
		}
		seen[plain] = true
	}
}

func TestNormalizeAudience(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://host/mcp/abc", "https://host/mcp/abc"},
		{"https://host/mcp/abc/", "https://host/mcp/abc"},
		{"https://host/mcp/abc//", "https://host/mcp/abc"},
		{"/", "/"},
	}
	for _, tc := range cases {
		if got := NormalizeAudience(tc.in); got != tc.want {
			t.Errorf("NormalizeAudience(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAudienceMatches(t *testing.T) {
	if !AudienceMatches("https://host/mcp/a", "https://host/mcp/a/") {
		t.Error("Expected trailing-slash variants to match")
	}
	if AudienceMatches("https://host/mcp/a", "https://host/mcp/b") {
		t.Error("Expected different endpoints not to match")
	}
}
