package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsGroupsFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Handler{slog.NewJSONHandler(&buf, nil)}).With("component", "test")

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "req-1", Method: "POST", Path: "/mcp"})
	ctx = WithAuthData(ctx, &AuthData{Provider: "jwt", Username: "octo", Role: "user"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "blame"})
	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	req, _ := rec["req"].(map[string]any)
	if req["id"] != "req-1" {
		t.Fatalf("missing req group: %v", rec)
	}
	authGroup, _ := rec["auth"].(map[string]any)
	if authGroup["user"] != "octo" || authGroup["provider"] != "jwt" {
		t.Fatalf("missing auth group: %v", rec)
	}
	tool, _ := rec["tool"].(map[string]any)
	if tool["name"] != "blame" {
		t.Fatalf("missing tool group: %v", rec)
	}
	if rec["component"] != "test" {
		t.Fatalf("WithAttrs lost the wrapper: %v", rec)
	}
}

func TestHandler_NoContextData(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Handler{slog.NewJSONHandler(&buf, nil)})
	logger.InfoContext(context.Background(), "plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := rec["auth"]; ok {
		t.Fatalf("unexpected auth group: %v", rec)
	}
}
