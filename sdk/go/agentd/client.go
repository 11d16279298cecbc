// Package agentd is a Go client for the agentd REST API.
package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Waiting submissions can take as long as a full agent turn, so it is generous.
const DefaultHTTPTimeout = 3 * time.Minute

// Client wraps the HTTP interactions with an agentd server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Summary is one entry of the conversation list.
type Summary struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one message of a conversation.
type Message struct {
	ID                  int       `json:"id"`
	TurnID              string    `json:"turn_id,omitempty"`
	Content             string    `json:"content"`
	Role                string    `json:"role"`
	Type                string    `json:"type"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	Confirmed           *bool     `json:"confirmed"`
	PendingConfirmation bool      `json:"pending_confirmation"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
}

// Conversation is the full state of a conversation.
type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Job tracks one submitted message while the agent processes it.
type Job struct {
	ID             string `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Text           string `json:"text"`
	Status         string `json:"status"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Done reports whether the job reached a terminal status.
func (j *Job) Done() bool {
	return j != nil && (j.Status == "succeeded" || j.Status == "failed")
}

// Exchange is returned by SendAndWait.
type Exchange struct {
	Job          *Job          `json:"job"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

// Event is a conversation change pushed over the event stream.
type Event struct {
	ID             string    `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	TurnID         string    `json:"turn_id,omitempty"`
	Kind           string    `json:"kind"`
	Message        *Message  `json:"message,omitempty"`
	Text           string    `json:"text,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// APIError represents a non-2xx response. Job is set when a waited
// submission finished in the failed state. Retryable reports whether the
// server considers the same request safe to send again.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Details    map[string]string
	Job        *Job
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentd api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the agentd API. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, dialer: websocket.DefaultDialer}, nil
}

// ListConversations returns every stored conversation.
func (c *Client) ListConversations(ctx context.Context) ([]Summary, error) {
	var out []Summary
	if err := c.call(ctx, http.MethodGet, "/api/v1/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation creates an empty conversation. An empty title lets the
// server pick a default.
func (c *Client) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	var out Conversation
	body := map[string]string{"title": title}
	if err := c.call(ctx, http.MethodPost, "/api/v1/conversations", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConversation fetches a conversation with all of its messages.
func (c *Client) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var out Conversation
	if err := c.call(ctx, http.MethodGet, conversationPath(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodDelete, conversationPath(id), nil, nil, nil)
}

// Send queues a user message and returns the pending job immediately.
func (c *Client) Send(ctx context.Context, conversationID int64, message string) (*Job, error) {
	var out Job
	body := map[string]string{"message": message}
	if err := c.call(ctx, http.MethodPost, conversationPath(conversationID)+"/messages", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendAndWait queues a user message and blocks until the server finishes the
// turn or its own wait deadline passes. In the latter case the returned
// Exchange carries an unfinished job and no conversation.
func (c *Client) SendAndWait(ctx context.Context, conversationID int64, message string) (*Exchange, error) {
	var out Exchange
	body := map[string]string{"message": message}
	query := url.Values{"wait": []string{"true"}}
	if err := c.call(ctx, http.MethodPost, conversationPath(conversationID)+"/messages", query, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Jobs lists recent jobs for a conversation, newest first.
func (c *Client) Jobs(ctx context.Context, conversationID int64, limit int) ([]Job, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": []string{strconv.Itoa(limit)}}
	}
	var out []Job
	if err := c.call(ctx, http.MethodGet, conversationPath(conversationID)+"/jobs", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := c.call(ctx, http.MethodGet, "/api/v1/jobs/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForJob polls GetJob until the job is done or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StreamEvents subscribes to a conversation's event stream and calls fn for
// every event until ctx ends, fn returns an error, or the server closes the
// stream. Returning ErrStopStream from fn ends the stream without error.
func (c *Client) StreamEvents(ctx context.Context, conversationID int64, fn func(Event) error) error {
	u := c.resolve(conversationPath(conversationID)+"/events", nil)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(event); err != nil {
			if errors.Is(err, ErrStopStream) {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			return err
		}
	}
}

// ErrStopStream ends StreamEvents cleanly when returned from the callback.
var ErrStopStream = errors.New("agentd: stop stream")

func conversationPath(id int64) string {
	return "/api/v1/conversations/" + strconv.FormatInt(id, 10)
}

func (c *Client) resolve(endpoint string, query url.Values) *url.URL {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(endpoint, query).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	var payload struct {
		Error     string            `json:"error"`
		Code      string            `json:"code"`
		Retryable bool              `json:"retryable"`
		Details   map[string]string `json:"details"`
		Job       *Job              `json:"job"`
	}
	if len(data) > 0 && json.Unmarshal(data, &payload) == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
		apiErr.Retryable = payload.Retryable
		apiErr.Details = payload.Details
		if payload.Job != nil {
			apiErr.Job = payload.Job
			if apiErr.Code == "" {
				apiErr.Code = payload.Job.ErrorCode
			}
			if apiErr.Message == "" {
				apiErr.Message = payload.Job.LastError
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
