package openai

import (
	"context"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Client 通过 go-openai 调用推理服务，结构化请求使用 json_schema 响应格式。
type Client struct {
	api       *goopenai.Client
	model     string
	maxTokens int
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	return newClient(cfg, nil)
}

func newClient(cfg Config, httpClient *http.Client) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	conf := goopenai.DefaultConfig(apiKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		conf.BaseURL = base
	}
	conf.HTTPClient = httpClient

	return &Client{
		api:       goopenai.NewClientWithConfig(conf),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Complete 实现 llm.Client。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	chatReq := goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
	}
	if c.maxTokens > 0 {
		chatReq.MaxCompletionTokens = c.maxTokens
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, goopenai.ChatCompletionMessage{
			Role:    roleOf(m.Role),
			Content: m.Content,
		})
	}
	if req.Schema != nil {
		schema, err := req.Schema.JSON()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "生成响应 Schema 失败")
		}
		chatReq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.Schema.Name,
				Schema: schema,
			},
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *goopenai.APIError
		if stdErrors.As(err, &apiErr) {
			return nil, xerrors.Wrap(xerrors.CodeReasoningFailure, err, "OpenAI 返回错误",
				xerrors.WithMetadata("status", strconv.Itoa(apiErr.HTTPStatusCode)),
				xerrors.WithRetryable(apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500))
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求 OpenAI 超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeReasoningFailure, err, "请求 OpenAI 失败")
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeReasoningFailure, "OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeReasoningFailure, "OpenAI 响应内容为空")
	}
	return &llm.Response{
		Content: content,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func roleOf(role llm.Role) string {
	switch role {
	case llm.RoleSystem:
		return goopenai.ChatMessageRoleSystem
	case llm.RoleAssistant:
		return goopenai.ChatMessageRoleAssistant
	default:
		return goopenai.ChatMessageRoleUser
	}
}

var _ llm.Client = (*Client)(nil)
