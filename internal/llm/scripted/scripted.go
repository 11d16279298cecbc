// Package scripted provides a deterministic llm.Client that replays queued
// responses in order. It backs the agent tests and the "scripted" provider
// used for offline demos.
package scripted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"Agent-Sandbox/internal/llm"
)

// ErrExhausted is returned once every queued reply has been consumed.
var ErrExhausted = errors.New("scripted: no replies left")

// Reply is one queued outcome. Exactly one of Content or Err is meaningful.
type Reply struct {
	Content string
	Err     error
	Usage   llm.Usage
}

// Text queues a plain text reply.
func Text(content string) Reply {
	return Reply{Content: content, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}
}

// JSON queues v marshalled as JSON. It panics if v cannot be marshalled,
// which only happens for programming errors in test fixtures.
func JSON(v any) Reply {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("scripted: marshal reply: %v", err))
	}
	return Text(string(data))
}

// Fail queues a transport-style failure.
func Fail(err error) Reply {
	return Reply{Err: err}
}

// Client replays replies in FIFO order and records every request it sees.
type Client struct {
	mu       sync.Mutex
	replies  []Reply
	requests []llm.Request
	fallback *Reply
}

// New returns a Client preloaded with replies.
func New(replies ...Reply) *Client {
	return &Client{replies: append([]Reply(nil), replies...)}
}

// Push appends more replies to the queue.
func (c *Client) Push(replies ...Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, replies...)
}

// Otherwise sets the reply returned after the queue is empty. Without it the
// client fails with ErrExhausted.
func (c *Client) Otherwise(r Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = &r
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)

	var next Reply
	switch {
	case len(c.replies) > 0:
		next = c.replies[0]
		c.replies = c.replies[1:]
	case c.fallback != nil:
		next = *c.fallback
	default:
		return nil, ErrExhausted
	}
	if next.Err != nil {
		return nil, next.Err
	}
	return &llm.Response{Content: next.Content, Usage: next.Usage}, nil
}

// Requests returns a copy of every request received so far.
func (c *Client) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

// Remaining reports how many queued replies are left.
func (c *Client) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

var _ llm.Client = (*Client)(nil)
