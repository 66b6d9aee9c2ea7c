// Package scope defines the OAuth scope model for the tenant endpoint.
//
// Five scopes exist. Each JSON-RPC method on the tenant endpoint maps to the
// scope a token must carry to invoke it; methods absent from the table need
// no scope beyond a valid token.
package scope

import (
	"fmt"
	"strings"
)

// Supported scopes.
const (
	Tools       = "mcp:tools"
	Resources   = "mcp:resources"
	Prompts     = "mcp:prompts"
	AgentsRead  = "mcp:agents:read"
	AgentsWrite = "mcp:agents:write"
)

// All lists every scope the broker understands, in the order they are
// advertised by the authorization server metadata document.
var All = []string{Tools, Resources, Prompts, AgentsRead, AgentsWrite}

var known = map[string]bool{
	Tools:       true,
	Resources:   true,
	Prompts:     true,
	AgentsRead:  true,
	AgentsWrite: true,
}

// methodScopes maps a JSON-RPC method to the scope it requires.
var methodScopes = map[string]string{
	"tools/list":     Tools,
	"tools/call":     Tools,
	"resources/list": Resources,
	"prompts/list":   Prompts,
}

// RequiredForMethod returns the scope a JSON-RPC method requires, or "" if
// the method is ungated.
func RequiredForMethod(method string) string {
	return methodScopes[method]
}

// IsKnown reports whether s is a scope the broker understands.
func IsKnown(s string) bool {
	return known[s]
}

// Validate checks a list of requested scopes. It fails listing every unknown
// value so the client can see all offending scopes at once.
func Validate(scopes []string) error {
	var bad []string
	for _, s := range scopes {
		if !known[s] {
			bad = append(bad, s)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("unknown scopes: %s", strings.Join(bad, ", "))
	}
	return nil
}

// Has reports whether granted contains the wanted scope.
func Has(granted []string, wanted string) bool {
	for _, s := range granted {
		if s == wanted {
			return true
		}
	}
	return false
}

// Parse splits a space-separated scope string per RFC 6749 §3.3.
func Parse(s string) []string {
	return strings.Fields(s)
}

// Join renders scopes back to the space-separated wire form.
func Join(scopes []string) string {
	return strings.Join(scopes, " ")
}
