package mcp

import (
	"encoding/json"
	"testing"

	"github.com/screenlink/screenlink/broker/internal/models"
)

func TestNormalizeToolResultString(t *testing.T) {
	result := normalizeToolResult(json.RawMessage(`"hello world"`))
	if len(result.Content) != 1 || result.Content[0].Type != "text" || result.Content[0].Text != "hello world" {
		t.Errorf("Expected text passthrough, got %+v", result)
	}
	if result.IsError {
		t.Error("Plain strings are not errors")
	}
}

func TestNormalizeToolResultImage(t *testing.T) {
	cases := []string{
		`{"imageData":"aGVsbG8=","mimeType":"image/jpeg"}`,
		`{"data":"aGVsbG8="}`,
		`{"base64":"aGVsbG8="}`,
	}
	for _, raw := range cases {
		result := normalizeToolResult(json.RawMessage(raw))
		if len(result.Content) != 1 || result.Content[0].Type != "image" {
			t.Errorf("Expected image content for %s, got %+v", raw, result)
			continue
		}
		if result.Content[0].Data != "aGVsbG8=" {
			t.Errorf("Expected image data preserved, got %q", result.Content[0].Data)
		}
		if result.Content[0].MimeType == "" {
			t.Error("Expected a mime type (default image/png)")
		}
	}
}

func TestNormalizeToolResultExplicitError(t *testing.T) {
	result := normalizeToolResult(json.RawMessage(`{"error":"window not found"}`))
	if !result.IsError {
		t.Error("Expected isError for explicit error field")
	}
	if result.Content[0].Text != "window not found" {
		t.Errorf("Expected error text, got %q", result.Content[0].Text)
	}
}

func TestNormalizeToolResultObjectSerialized(t *testing.T) {
	result := normalizeToolResult(json.RawMessage(`{"windows":[{"title":"Safari"}]}`))
	if result.IsError {
		t.Error("Plain objects are not errors")
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(result.Content[0].Text), &parsed); err != nil {
		t.Errorf("Expected JSON-serialized object text, got %q", result.Content[0].Text)
	}
}

func TestNormalizeToolResultEmpty(t *testing.T) {
	result := normalizeToolResult(nil)
	if len(result.Content) != 1 || result.Content[0].Text != "OK" {
		t.Errorf("Expected OK placeholder for empty result, got %+v", result)
	}
}

func TestNormalizeToolResultPreNormalized(t *testing.T) {
	raw := `{"content":[{"type":"text","text":"done"}],"isError":false}`
	result := normalizeToolResult(json.RawMessage(raw))
	if len(result.Content) != 1 || result.Content[0].Text != "done" {
		t.Errorf("Expected pre-normalized content preserved, got %+v", result)
	}
}

func TestJSONRPCNotificationDetection(t *testing.T) {
	cases := []struct {
		body   string
		notify bool
	}{
		{`{"jsonrpc":"2.0","method":"notifications/initialized"}`, true},
		{`{"jsonrpc":"2.0","id":null,"method":"ping"}`, true},
		{`{"jsonrpc":"2.0","id":1,"method":"ping"}`, false},
		{`{"jsonrpc":"2.0","id":"abc","method":"ping"}`, false},
		{`{"jsonrpc":"2.0","id":0,"method":"ping"}`, false},
	}
	for _, tc := range cases {
		var req models.JSONRPCRequest
		if err := json.Unmarshal([]byte(tc.body), &req); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if req.IsNotification() != tc.notify {
			t.Errorf("IsNotification for %s: expected %v", tc.body, tc.notify)
		}
	}
}
