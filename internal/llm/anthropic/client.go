// Package anthropic 使用 go-anthropic 实现 llm.Client。
// Claude Messages API 没有 json_schema 响应格式，结构化请求会把 Schema 写入系统提示词。
package anthropic

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"

	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/llm"
)

const (
	defaultModelName = "claude-3-5-haiku-latest"
	defaultMaxTokens = 2048
	defaultTimeout   = 60 * time.Second
)

// Config 描述 Anthropic 客户端配置。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Client 调用 Claude Messages API。
type Client struct {
	api       *anthropic.Client
	model     string
	maxTokens int
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	return newClient(cfg, nil)
}

func newClient(cfg Config, httpClient *http.Client) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 Anthropic API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	opts := []anthropic.ClientOption{anthropic.WithHTTPClient(httpClient)}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, anthropic.WithBaseURL(base))
	}
	return &Client{
		api:       anthropic.NewClient(apiKey, opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Complete 实现 llm.Client。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var system []string
	messages := make([]anthropic.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleAssistant:
			messages = append(messages, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
			})
		default:
			messages = append(messages, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
			})
		}
	}
	if req.Schema != nil {
		schema, err := req.Schema.JSON()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "生成响应 Schema 失败")
		}
		system = append(system, fmt.Sprintf(
			"Respond with a single JSON object named %q that conforms to this JSON schema. Output the JSON only.\n%s",
			req.Schema.Name, schema))
	}
	if len(messages) == 0 || messages[0].Role != anthropic.RoleUser {
		messages = append([]anthropic.Message{anthropic.NewUserTextMessage("Continue.")}, messages...)
	}

	temperature := req.Temperature
	resp, err := c.api.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(c.model),
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		var apiErr *anthropic.APIError
		if stdErrors.As(err, &apiErr) {
			return nil, xerrors.Wrap(xerrors.CodeReasoningFailure, err, "Anthropic 返回错误",
				xerrors.WithRetryable(apiErr.IsRateLimitErr() || apiErr.IsOverloadedErr()))
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求 Anthropic 超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeReasoningFailure, err, "请求 Anthropic 失败")
	}

	var b strings.Builder
	for _, part := range resp.Content {
		if part.Type == anthropic.MessagesContentTypeText {
			b.WriteString(part.GetText())
		}
	}
	content := strings.TrimSpace(b.String())
	if content == "" {
		return nil, xerrors.New(xerrors.CodeReasoningFailure, "Anthropic 响应内容为空")
	}
	return &llm.Response{
		Content: content,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

var _ llm.Client = (*Client)(nil)
