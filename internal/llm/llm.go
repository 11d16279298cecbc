package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	xerrors "Agent-Sandbox/internal/errors"
)

// Role 是对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发送给推理服务的一条消息。
type Message struct {
	Role    Role
	Content string
}

// Schema 要求推理服务返回符合 Value 类型 JSON Schema 的结构化记录。
type Schema struct {
	Name  string
	Value any
}

// JSON 通过反射生成 Value 的 JSON Schema。
func (s *Schema) JSON() (json.RawMessage, error) {
	if s == nil || s.Value == nil {
		return nil, fmt.Errorf("schema value is required")
	}
	return ReflectSchema(s.Value)
}

// Request 描述一次补全调用。
type Request struct {
	Messages    []Message
	Temperature float32
	Schema      *Schema
}

// Usage 记录一次调用消耗的 token。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response 是推理服务的回复。提供 Schema 时 Content 为序列化后的结构化记录。
type Response struct {
	Content string
	Usage   Usage
}

// Client 定义了调用推理服务的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许用普通函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete 实现 Client。
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

const (
	CodeMalformedOutput xerrors.Code = "MALFORMED_MODEL_OUTPUT"
)

func init() {
	xerrors.Register(CodeMalformedOutput, xerrors.Attributes{
		Message:    "reasoning service returned malformed structured output",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: 502,
	})
}

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// ReflectSchema 返回 v 对应的 JSON Schema 文档。
func ReflectSchema(v any) (json.RawMessage, error) {
	schema := reflector.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeStructured 解析结构化回复并按 validate 标签校验。
// 兼容模型用 ```json 代码块包裹输出的情况。
func DecodeStructured(content string, out any) error {
	payload := StripFence(content)
	if payload == "" {
		return xerrors.New(CodeMalformedOutput, "推理服务返回了空内容")
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return xerrors.Wrap(CodeMalformedOutput, err, "解析结构化回复失败")
	}
	if err := validate.Struct(out); err != nil {
		return xerrors.Wrap(CodeMalformedOutput, err, "结构化回复未通过校验")
	}
	return nil
}

// StripFence 去掉 Markdown 代码块围栏，并截取第一个 JSON 对象。
func StripFence(content string) string {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	text = strings.TrimSpace(text)
	if start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}'); start >= 0 && end > start {
		text = text[start : end+1]
	}
	return text
}
