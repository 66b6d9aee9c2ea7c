package scope

import (
	"strings"
	"testing"
)

func TestValidateAcceptsKnownScopes(t *testing.T) {
	if err := Validate(All); err != nil {
		t.Errorf("Expected all known scopes to validate, got %v", err)
	}
}

func TestValidateListsEveryUnknownScope(t *testing.T) {
	err := Validate([]string{Tools, "mcp:bogus", "mcp:other"})
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !strings.Contains(err.Error(), "mcp:bogus") || !strings.Contains(err.Error(), "mcp:other") {
		t.Errorf("Expected both offending scopes in error, got %v", err)
	}
}

func TestRequiredForMethod(t *testing.T) {
	cases := map[string]string{
		"tools/call":     Tools,
		"tools/list":     Tools,
		"resources/list": Resources,
		"prompts/list":   Prompts,
		"initialize":     "",
		"ping":           "",
	}
	for method, want := range cases {
		if got := RequiredForMethod(method); got != want {
			t.Errorf("RequiredForMethod(%q) = %q, want %q", method, got, want)
		}
	}
}

func TestHas(t *testing.T) {
	granted := []string{Tools, AgentsRead}
	if !Has(granted, Tools) {
		t.Error("Expected granted scope to be found")
	}
	if Has(granted, AgentsWrite) {
		t.Error("Expected missing scope not to be found")
	}
}

func TestParseJoinRoundTrip(t *testing.T) {
	parsed := Parse("mcp:tools  mcp:prompts")
	if len(parsed) != 2 || parsed[0] != Tools || parsed[1] != Prompts {
		t.Errorf("Parse returned %v", parsed)
	}
	if Join(parsed) != "mcp:tools mcp:prompts" {
		t.Errorf("Join returned %q", Join(parsed))
	}
}
