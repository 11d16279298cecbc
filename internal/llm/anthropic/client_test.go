package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"Agent-Sandbox/internal/llm"
)

type answer struct {
	Value string `json:"value"`
}

func TestCompleteMovesSystemAndSchemaIntoSystemPrompt(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("api key header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"{\"value\":\"ok\"}"}],"stop_reason":"end_turn","usage":{"input_tokens":9,"output_tokens":2}}`))
	}))
	defer srv.Close()

	client, err := newClient(Config{APIKey: "secret", BaseURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "you are a test"},
			{Role: llm.RoleUser, Content: "hi"},
		},
		Temperature: 0.2,
		Schema:      &llm.Schema{Name: "answer", Value: answer{}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"value":"ok"}` {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 9 || resp.Usage.CompletionTokens != 2 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	system, _ := body["system"].(string)
	if !strings.Contains(system, "you are a test") || !strings.Contains(system, `"value"`) {
		t.Fatalf("system prompt should carry instructions and schema: %q", system)
	}
	if msgs := body["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("system message must not be sent as a chat turn: %v", msgs)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
