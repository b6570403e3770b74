package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatalf("Expected content in result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected TextContent, got %T", result.Content[0])
	}
	return text.Text
}

func TestMCPServer_ReadMatrix(t *testing.T) {
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/matrix" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"Draft Document":{"Writer":"R","Reviewer":"A"}}`))
			return
		}
		http.NotFound(w, r)
	})
	ts := httptest.NewServer(apiHandler)
	defer ts.Close()

	s := NewServer(ts.URL)
	req := mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: "raciflow://matrix",
		},
	}

	result, err := s.handleReadMatrix(context.Background(), req)
	if err != nil {
		t.Fatalf("handleReadMatrix failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("Expected 1 resource content, got %d", len(result))
	}
	content, ok := result[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("Expected TextResourceContents")
	}
	if content.MIMEType != "application/json" {
		t.Errorf("Expected application/json, got %s", content.MIMEType)
	}

	var m map[string]map[string]string
	if err := json.Unmarshal([]byte(content.Text), &m); err != nil {
		t.Fatalf("Failed to parse result JSON: %v", err)
	}
	if m["Draft Document"]["Reviewer"] != "A" {
		t.Errorf("unexpected matrix %v", m)
	}
}

func TestMCPServer_ReadResultBeforeFirstPass(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no_pass_yet"}`))
	}))
	defer ts.Close()

	s := NewServer(ts.URL)
	result, err := s.handleReadResult(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "raciflow://result"},
	})
	if err != nil {
		t.Fatalf("handleReadResult failed: %v", err)
	}
	content := result[0].(mcp.TextResourceContents)
	if !strings.Contains(content.Text, "no pass yet") {
		t.Errorf("unexpected content %q", content.Text)
	}
}

func TestMCPServer_SetCell(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/matrix/cells" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"state":"BUFFERING","pending":[{"task":"Draft Document","role":"Legal","cell":"C"}]}`))
	}))
	defer ts.Close()

	s := NewServer(ts.URL)
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name: "set_cell",
			Arguments: map[string]interface{}{
				"task": "Draft Document",
				"role": "Legal",
				"cell": "C",
			},
		},
	}
	result, err := s.handleSetCell(context.Background(), req)
	if err != nil {
		t.Fatalf("handleSetCell failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success, got error: %s", toolText(t, result))
	}
	if got["role"] != "Legal" || got["cell"] != "C" {
		t.Errorf("unexpected request body %v", got)
	}
	if !strings.Contains(toolText(t, result), "1 pending") {
		t.Errorf("unexpected text %q", toolText(t, result))
	}
}

func TestMCPServer_SetCellInvalidCode(t *testing.T) {
	s := NewServer("http://127.0.0.1:1")
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      "set_cell",
			Arguments: map[string]interface{}{"task": "T", "role": "R", "cell": "Q"},
		},
	}
	result, err := s.handleSetCell(context.Background(), req)
	if err != nil {
		t.Fatalf("handleSetCell failed: %v", err)
	}
	if !result.IsError {
		t.Errorf("Expected tool error for invalid code")
	}
}

func TestMCPServer_FlushBlocked(t *testing.T) {
	var force bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]bool
		json.NewDecoder(r.Body).Decode(&body)
		force = body["force"]
		w.Write([]byte(`{"state":"BUFFERING","flushed":false,"validation":{"is_valid":false,"errors":[{"rule":"multiple_approvers","severity":"error","task":"Draft Document","message":"task \"Draft Document\" has 2 accountable roles"}],"warnings":[]}}`))
	}))
	defer ts.Close()

	s := NewServer(ts.URL)
	result, err := s.handleFlush(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "flush", Arguments: map[string]interface{}{"force": true}},
	})
	if err != nil {
		t.Fatalf("handleFlush failed: %v", err)
	}
	if !force {
		t.Errorf("force flag not forwarded")
	}
	text := toolText(t, result)
	if !strings.Contains(text, "multiple_approvers") {
		t.Errorf("unexpected text %q", text)
	}
}

func TestMCPServer_DeleteNode(t *testing.T) {
	var path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	s := NewServer(ts.URL)
	result, err := s.handleDeleteNode(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "delete_node", Arguments: map[string]interface{}{"node_id": "chain_1"}},
	})
	if err != nil {
		t.Fatalf("handleDeleteNode failed: %v", err)
	}
	if result.IsError {
		t.Errorf("Expected success")
	}
	if path != "DELETE /v1/graph/nodes/chain_1" {
		t.Errorf("unexpected request %q", path)
	}
}
