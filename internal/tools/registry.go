package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/pkg/logger"
)

// Outcome 描述一次 Execute 的结果类别，用于指标。
type Outcome string

const (
	OutcomeExecuted     Outcome = "executed"
	OutcomePreview      Outcome = "preview"
	OutcomeInvalidInput Outcome = "invalid_input"
	OutcomeFailed       Outcome = "failed"
)

// Observer 接收每次工具调用的结果。
type Observer func(tool string, outcome Outcome, elapsed time.Duration)

// Registry 持有工具描述并负责校验、确认门控与执行。
// 每个引擎实例构造一个 Registry，随引擎一起关闭。
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	mailbox  Mailbox
	timeout  time.Duration
	observer Observer
	validate *validator.Validate
	schemas  *jsonschema.Reflector
}

// Option 定义 Registry 的可选配置。
type Option func(*Registry)

// WithExecutionTimeout 为工具执行设置截止时间，0 表示不限制。
func WithExecutionTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		r.timeout = timeout
	}
}

// WithObserver 注册执行观察者。
func WithObserver(observer Observer) Option {
	return func(r *Registry) {
		r.observer = observer
	}
}

// NewRegistry 创建注册表。mailbox 为 nil 时使用内存实现。
func NewRegistry(mailbox Mailbox, opts ...Option) *Registry {
	if mailbox == nil {
		mailbox = NewMemoryMailbox()
	}
	r := &Registry{
		tools:    make(map[string]Tool),
		mailbox:  mailbox,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		schemas:  &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册工具，同名工具会被拒绝。
func (r *Registry) Register(tool Tool) error {
	if tool == nil || strings.TrimSpace(tool.Name()) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", tool.Name()))
	}
	r.tools[tool.Name()] = tool
	r.order = append(r.order, tool.Name())
	return nil
}

// MustRegister 注册多个工具，失败时 panic，仅用于启动阶段。
func (r *Registry) MustRegister(tools ...Tool) *Registry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup 返回指定名称的工具。
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has 判断工具是否已注册。
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names 按注册顺序返回工具名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Descriptor 是工具目录中的一项。
type Descriptor struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	InputSchema          json.RawMessage `json:"input_schema"`
}

// Descriptors 按注册顺序返回工具描述。
func (r *Registry) Descriptors() ([]Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schema := r.schemas.Reflect(t.NewInput())
		schema.Version = ""
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, fmt.Sprintf("生成工具 %s 的 Schema 失败", name))
		}
		out = append(out, Descriptor{
			Name:                 name,
			Description:          t.Description(),
			RequiresConfirmation: t.RequiresConfirmation(),
			InputSchema:          raw,
		})
	}
	return out, nil
}

// DescribeTools 返回工具目录的规范 JSON 文本，用于提示推理服务选择工具。
func (r *Registry) DescribeTools() (string, error) {
	descriptors, err := r.Descriptors()
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(descriptors, "", "  ")
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeToolFailure, err, "序列化工具目录失败")
	}
	return string(data), nil
}

// Execute 执行工具调用。
//
// 工具未注册时返回 ErrUnknownTool。输入解析或校验失败时返回描述性文本且不需要确认。
// 需要确认且 confirmed 为 false 时只返回预览文本，不产生任何副作用。
// 工具自身的错误与 panic 都会被转换为文本结果。
func (r *Registry) Execute(ctx context.Context, toolType, rawInput string, confirmed bool) (string, bool, error) {
	tool, ok := r.Lookup(toolType)
	if !ok {
		return "", false, xerrors.Wrap(CodeUnknownTool, ErrUnknownTool, fmt.Sprintf("未注册的工具 %q", toolType),
			xerrors.WithMetadata("tool", toolType))
	}
	start := time.Now()

	input, err := r.decode(tool, rawInput)
	if err != nil {
		r.observe(toolType, OutcomeInvalidInput, start)
		return fmt.Sprintf("Invalid input for %s: %v", toolType, err), false, nil
	}

	if tool.RequiresConfirmation() && !confirmed {
		r.observe(toolType, OutcomePreview, start)
		return tool.Preview(input), true, nil
	}

	result, failed := r.run(ctx, tool, input)
	outcome := OutcomeExecuted
	if failed {
		outcome = OutcomeFailed
	}
	r.observe(toolType, outcome, start)
	logger.FromContext(ctx, logger.Audit()).Info("工具已执行",
		slog.String("tool", toolType),
		slog.Bool("confirmed", confirmed),
		slog.Bool("failed", failed),
		slog.Duration("elapsed", time.Since(start)),
	)
	return result, false, nil
}

func (r *Registry) decode(tool Tool, rawInput string) (any, error) {
	input := tool.NewInput()
	raw := strings.TrimSpace(rawInput)
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), input); err != nil {
		return nil, fmt.Errorf("tool input must be a JSON object matching the schema: %w", err)
	}
	if err := r.validate.Struct(input); err != nil {
		return nil, err
	}
	return input, nil
}

func (r *Registry) run(ctx context.Context, tool Tool, input any) (result string, failed bool) {
	defer func() {
		if p := recover(); p != nil {
			logger.FromContext(ctx, nil).Error("工具执行 panic", slog.String("tool", tool.Name()), slog.Any("panic", p))
			result, failed = fmt.Sprintf("Error executing %s: %v", tool.Name(), p), true
		}
	}()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	out, err := tool.Run(ctx, input)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", tool.Name(), err), true
	}
	return out, false
}

func (r *Registry) observe(tool string, outcome Outcome, start time.Time) {
	if r.observer != nil {
		r.observer(tool, outcome, time.Since(start))
	}
}

// StorePendingConfirmation 为会话保存待确认的工具调用，后写入者覆盖先写入者。
func (r *Registry) StorePendingConfirmation(ctx context.Context, conversationID int64, pending PendingConfirmation) error {
	if pending.CreatedAt.IsZero() {
		pending.CreatedAt = time.Now().UTC()
	}
	if err := r.mailbox.Put(ctx, conversationID, pending); err != nil {
		return xerrors.Wrap(CodeMailbox, err, "保存待确认调用失败")
	}
	logger.FromContext(ctx, logger.Audit()).Info("工具调用等待确认",
		slog.Int64("conversation_id", conversationID),
		slog.String("tool", pending.ToolType),
		slog.Bool("plan_suspended", pending.Plan != nil),
	)
	return nil
}

// GetPendingConfirmation 取出并移除会话的待确认调用，不存在时返回 nil。
func (r *Registry) GetPendingConfirmation(ctx context.Context, conversationID int64) (*PendingConfirmation, error) {
	pending, err := r.mailbox.Take(ctx, conversationID)
	if err != nil {
		return nil, xerrors.Wrap(CodeMailbox, err, "读取待确认调用失败")
	}
	return pending, nil
}

// Close 释放确认邮箱。
func (r *Registry) Close() error {
	if r.mailbox == nil {
		return nil
	}
	return r.mailbox.Close()
}
