package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"Agent-Sandbox/sdk/go/agentd"
)

// Runs against AGENTD_URL when set, otherwise against an in-process stub.
func main() {
	baseURL := os.Getenv("AGENTD_URL")
	var httpClient *http.Client
	if baseURL == "" {
		srv := httptest.NewServer(stubServer())
		defer srv.Close()
		baseURL = srv.URL
		httpClient = srv.Client()
	}

	client, err := agentd.NewClient(baseURL, httpClient)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conv, err := client.CreateConversation(ctx, "sdk demo")
	if err != nil {
		panic(err)
	}
	fmt.Printf("created conversation %d (%s)\n", conv.ID, conv.Title)

	exchange, err := client.SendAndWait(ctx, conv.ID, "What is 6 * 7?")
	if err != nil {
		panic(err)
	}
	if !exchange.Job.Done() {
		job, err := client.WaitForJob(ctx, exchange.Job.ID, time.Second)
		if err != nil {
			panic(err)
		}
		fmt.Printf("job %s finished with status %s\n", job.ID, job.Status)
		if exchange.Conversation, err = client.GetConversation(ctx, conv.ID); err != nil {
			panic(err)
		}
	}
	for _, msg := range exchange.Conversation.Messages {
		fmt.Printf("[%s/%s] %s\n", msg.Role, msg.Type, msg.Content)
	}
}

func stubServer() http.Handler {
	now := time.Now().UTC()
	conv := agentd.Conversation{ID: 1, Title: "sdk demo", CreatedAt: now, UpdatedAt: now}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(conv)
	})
	mux.HandleFunc("POST /api/v1/conversations/1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		reply := conv
		reply.Messages = []agentd.Message{
			{ID: 1, Role: "user", Type: "text", Content: req.Message},
			{ID: 2, Role: "assistant", Type: "text", Content: "6 * 7 = 42"},
		}
		_ = json.NewEncoder(w).Encode(agentd.Exchange{
			Job:          &agentd.Job{ID: "job-demo", ConversationID: 1, Text: req.Message, Status: "succeeded"},
			Conversation: &reply,
		})
	})
	return mux
}
