package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("ftp://example.com", nil); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := NewClient("://bad", nil); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestCreateAndListConversations(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/conversations" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodPost:
			var body struct {
				Title string `json:"title"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Conversation{ID: 4, Title: body.Title})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]Summary{{ID: 4, Title: "demo", MessageCount: 2}})
		}
	}))

	ctx := context.Background()
	conv, err := client.CreateConversation(ctx, "demo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.ID != 4 || conv.Title != "demo" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	list, err := client.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].MessageCount != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/conversations/1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":     "会话不存在",
				"code":      "CONVERSATION_NOT_FOUND",
				"retryable": false,
				"details":   map[string]string{"conversation_id": "2"},
			})
		}
	}))

	ctx := context.Background()
	if err := client.DeleteConversation(ctx, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err := client.GetConversation(ctx, 2)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "CONVERSATION_NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if apiErr.Retryable || apiErr.Details["conversation_id"] != "2" {
		t.Fatalf("unexpected retry hints: %+v", apiErr)
	}
}

func TestSendAndWaitReportsFailedJob(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("expected wait=true, got %q", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job": Job{ID: "j1", Status: "failed", ErrorCode: "LLM_FAILURE", LastError: "upstream down"},
		})
	}))

	_, err := client.SendAndWait(context.Background(), 1, "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Job == nil || apiErr.Job.ID != "j1" {
		t.Fatalf("expected failed job in error, got %+v", apiErr)
	}
	if apiErr.Code != "LLM_FAILURE" || apiErr.Message != "upstream down" {
		t.Fatalf("unexpected error fields: %+v", apiErr)
	}
}

func TestSendThenWaitForJob(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/conversations/1/messages":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Job{ID: "j1", ConversationID: 1, Status: "pending"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/jobs/j1":
			status := "running"
			if polls.Add(1) >= 2 {
				status = "succeeded"
			}
			_ = json.NewEncoder(w).Encode(Job{ID: "j1", ConversationID: 1, Status: status})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := client.Send(ctx, 1, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if job.Done() {
		t.Fatalf("pending job reported done")
	}
	done, err := client.WaitForJob(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != "succeeded" || polls.Load() != 2 {
		t.Fatalf("unexpected result: %+v after %d polls", done, polls.Load())
	}
}

func TestJobsPassesLimit(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/conversations/9/jobs" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected request: %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode([]Job{{ID: "a"}, {ID: "b"}})
	}))

	jobs, err := client.Jobs(context.Background(), 9, 5)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestStreamEventsStopsOnCallback(t *testing.T) {
	upgrader := websocket.Upgrader{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/conversations/3/events") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, kind := range []string{"message.appended", "turn.completed"} {
			if err := conn.WriteJSON(Event{ConversationID: 3, Kind: kind}); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))

	var kinds []string
	err := client.StreamEvents(context.Background(), 3, func(ev Event) error {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == "turn.completed" {
			return ErrStopStream
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != "message.appended" {
		t.Fatalf("unexpected events: %v", kinds)
	}
}
