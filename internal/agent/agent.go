package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"Agent-Sandbox/internal/conversation"
	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/events"
	"Agent-Sandbox/internal/llm"
	"Agent-Sandbox/internal/tools"
	"Agent-Sandbox/pkg/logger"
)

var tracer = otel.Tracer("Agent-Sandbox/internal/agent")

// CodePlanFailed 表示无法为复杂任务生成有效计划，或计划执行中止。
const CodePlanFailed xerrors.Code = "PLAN_FAILED"

func init() {
	xerrors.Register(CodePlanFailed, xerrors.Attributes{
		Message:    "could not plan the task",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 502,
	})
}

// ConfirmationPolicy 决定计划执行中遇到需要确认的工具时的处理方式。
type ConfirmationPolicy string

const (
	// PolicyAutoApprove 在计划内部直接以 confirmed=true 重新执行，并记录告警与审计日志。
	// 这会绕过人工确认。
	PolicyAutoApprove ConfirmationPolicy = "auto_approve"
	// PolicyRequireUser 暂停计划，等待下一轮用户输入 yes/no 后继续或放弃。
	PolicyRequireUser ConfirmationPolicy = "require_user"
)

// ParseConfirmationPolicy 解析配置中的策略名称，空字符串返回默认策略。
func ParseConfirmationPolicy(name string) (ConfirmationPolicy, error) {
	switch ConfirmationPolicy(strings.ToLower(strings.TrimSpace(name))) {
	case "", PolicyAutoApprove:
		return PolicyAutoApprove, nil
	case PolicyRequireUser:
		return PolicyRequireUser, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的确认策略 %q", name))
	}
}

// Route 标识一轮对话最终走的处理分支。
type Route string

const (
	RouteConfirmation  Route = "confirmation"
	RouteClarification Route = "clarification"
	RouteConversation  Route = "conversational"
	RouteSimpleTool    Route = "simple_tool"
	RouteComplexTask   Route = "complex_task"
)

// TurnObserver 接收每轮对话的分支、耗时与结果，用于指标采集。
type TurnObserver func(route Route, elapsed time.Duration, err error)

const (
	defaultHistoryWindow     = 5
	defaultChatWindow        = 10
	defaultMaxPlanIterations = 32
)

// Engine 协调推理服务、工具注册表与会话存储，是系统的业务核心。
// Engine 本身不加锁，同一会话的多轮对话必须由调用方串行提交。
type Engine struct {
	llm           llm.Client
	registry      *tools.Registry
	store         conversation.Store
	publisher     events.Publisher
	policy        ConfirmationPolicy
	llmTimeout    time.Duration
	historyWindow int
	chatWindow    int
	maxIterations int
	systemPrompt  string
	log           *slog.Logger
	observer      TurnObserver
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithConfirmationPolicy 设置计划内的确认策略。
func WithConfirmationPolicy(policy ConfirmationPolicy) Option {
	return func(e *Engine) {
		if policy != "" {
			e.policy = policy
		}
	}
}

// WithLLMTimeout 设置单次推理调用的超时时间，0 表示不限制。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout <= 0 {
			e.llmTimeout = 0
			return
		}
		e.llmTimeout = timeout
	}
}

// WithHistoryWindow 设置意图分类时参考的历史消息数量。
func WithHistoryWindow(n int) Option {
	return func(e *Engine) {
		e.historyWindow = n
	}
}

// WithChatWindow 设置直接对话时参考的历史消息数量。
func WithChatWindow(n int) Option {
	return func(e *Engine) {
		e.chatWindow = n
	}
}

// WithMaxPlanIterations 限制单个计划最多执行的步骤轮数。
func WithMaxPlanIterations(n int) Option {
	return func(e *Engine) {
		e.maxIterations = n
	}
}

// WithPublisher 设置通知事件的发布目标。
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithSystemPrompt 替换默认的系统提示词。
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(prompt) != "" {
			e.systemPrompt = prompt
		}
	}
}

// WithLogger 替换引擎日志。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTurnObserver 注册每轮对话的观察者。
func WithTurnObserver(observer TurnObserver) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// New 创建引擎。registry 的生命周期归引擎所有，随 Close 一起释放。
func New(client llm.Client, registry *tools.Registry, store conversation.Store, opts ...Option) *Engine {
	e := &Engine{
		llm:           client,
		registry:      registry,
		store:         store,
		publisher:     events.Discard,
		policy:        PolicyAutoApprove,
		historyWindow: defaultHistoryWindow,
		chatWindow:    defaultChatWindow,
		maxIterations: defaultMaxPlanIterations,
		systemPrompt:  defaultSystemPrompt,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.historyWindow <= 0 {
		e.historyWindow = defaultHistoryWindow
	}
	if e.chatWindow <= 0 {
		e.chatWindow = defaultChatWindow
	}
	if e.maxIterations <= 0 {
		e.maxIterations = defaultMaxPlanIterations
	}
	if e.log == nil {
		e.log = logger.Named("agent")
	}
	return e
}

// Policy 返回当前的确认策略。
func (e *Engine) Policy() ConfirmationPolicy { return e.policy }

// Registry 返回引擎持有的工具注册表。
func (e *Engine) Registry() *tools.Registry { return e.registry }

// Close 释放工具注册表及其确认邮箱。
func (e *Engine) Close() error {
	if e.registry == nil {
		return nil
	}
	return e.registry.Close()
}

// ProcessUserRequest 处理一条用户消息。结果不通过返回值给出，
// 而是体现在持久化的会话消息与发布的通知事件中。
func (e *Engine) ProcessUserRequest(ctx context.Context, conversationID int64, text string) error {
	if e.llm == nil || e.registry == nil || e.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "引擎依赖未配置完整")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	conv, err := e.store.Load(ctx, conversationID)
	if err != nil {
		return err
	}

	turnID := xid.New().String()
	ctx = withTurnID(ctx, turnID)
	ctx = logger.WithAttrs(ctx,
		slog.Int64("conversation_id", conversationID),
		slog.String("turn_id", turnID),
	)
	ctx, span := tracer.Start(ctx, "agent.Turn", trace.WithAttributes(
		attribute.Int64("conversation.id", conversationID),
		attribute.String("turn.id", turnID),
	))
	defer span.End()

	start := time.Now()
	route, err := e.process(ctx, conv, text)
	span.SetAttributes(attribute.String("turn.route", string(route)))
	if e.observer != nil {
		e.observer(route, time.Since(start), err)
	}

	log := logger.FromContext(ctx, e.log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("对话处理失败", slog.String("route", string(route)), slog.Any("error", err))
		e.publish(ctx, events.Event{ConversationID: conversationID, TurnID: turnID, Kind: events.KindTurnFailed, Text: err.Error()})
		return err
	}
	span.SetStatus(codes.Ok, "")
	log.Info("对话处理完成", slog.String("route", string(route)), slog.Duration("elapsed", time.Since(start)))
	e.publish(ctx, events.Event{ConversationID: conversationID, TurnID: turnID, Kind: events.KindTurnCompleted})
	return nil
}

func (e *Engine) process(ctx context.Context, conv *conversation.Conversation, text string) (Route, error) {
	if _, ok := parseConfirmation(text); ok {
		pending, err := e.registry.GetPendingConfirmation(ctx, conv.ID)
		if err != nil {
			return RouteConfirmation, err
		}
		if pending != nil {
			return RouteConfirmation, e.resolveConfirmation(ctx, conv, text, pending)
		}
	}

	if _, err := e.appendMessage(ctx, conv, conversation.Message{
		Content: text,
		Role:    conversation.RoleUser,
		Type:    conversation.TypeText,
	}); err != nil {
		return "", err
	}

	intent := e.Classify(ctx, conv, text)
	if intent.RequiresClarification && strings.TrimSpace(intent.ClarificationQuestion) != "" {
		_, err := e.appendMessage(ctx, conv, conversation.Message{
			Content: intent.ClarificationQuestion,
			Role:    conversation.RoleAssistant,
			Type:    conversation.TypeText,
		})
		return RouteClarification, err
	}

	switch intent.IntentType {
	case IntentSimpleTool:
		return e.handleSimpleTool(ctx, conv, text, intent.SuggestedTool)
	case IntentComplexTask:
		return RouteComplexTask, e.handleComplexTask(ctx, conv, text)
	default:
		return RouteConversation, e.handleConversational(ctx, conv)
	}
}

// handleConversational 直接回复用户，不调用任何工具。
func (e *Engine) handleConversational(ctx context.Context, conv *conversation.Conversation) error {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: e.systemPrompt}}
	for _, m := range conv.RecentContext(e.chatWindow, true, false) {
		messages = append(messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	resp, err := e.complete(ctx, llm.Request{Messages: messages, Temperature: 0.7})
	if err != nil {
		return err
	}
	_, err = e.appendMessage(ctx, conv, conversation.Message{
		Content:      resp.Content,
		Role:         conversation.RoleAssistant,
		Type:         conversation.TypeText,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	})
	return err
}

// handleComplexTask 生成计划并逐步执行。
func (e *Engine) handleComplexTask(ctx context.Context, conv *conversation.Conversation, objective string) error {
	p, err := e.CreatePlan(ctx, conv, objective)
	if err != nil {
		return err
	}
	return e.ExecutePlan(ctx, conv, p)
}

// complete 调用推理服务，并把超时与传输错误映射为统一错误码。
func (e *Engine) complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if e.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.llmTimeout)
		defer cancel()
	}
	resp, err := e.llm.Complete(ctx, req)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "推理服务调用超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeReasoningFailure, err, "推理服务调用失败")
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeReasoningFailure, "推理服务返回了空响应")
	}
	return resp, nil
}

// appendMessage 追加消息、立即持久化并发布事件，返回分配了 ID 的消息副本。
func (e *Engine) appendMessage(ctx context.Context, conv *conversation.Conversation, msg conversation.Message) (conversation.Message, error) {
	msg.TurnID = turnIDFrom(ctx)
	stored := conv.Append(msg)
	if err := e.store.Save(ctx, conv); err != nil {
		return stored, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败",
			xerrors.WithMetadata("conversation_id", fmt.Sprint(conv.ID)))
	}
	e.publish(ctx, events.MessageEvent(events.KindMessageAppended, conv.ID, stored))
	return stored, nil
}

// updateMessage 原地修改已存在的消息并持久化。
func (e *Engine) updateMessage(ctx context.Context, conv *conversation.Conversation, id int, mutate func(*conversation.Message)) error {
	msg, ok := conv.MessageByID(id)
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("会话 %d 中不存在消息 %d", conv.ID, id))
	}
	mutate(msg)
	conv.Touch(msg)
	if err := e.store.Save(ctx, conv); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败",
			xerrors.WithMetadata("conversation_id", fmt.Sprint(conv.ID)))
	}
	e.publish(ctx, events.MessageEvent(events.KindMessageUpdated, conv.ID, *msg))
	return nil
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if event.TurnID == "" {
		event.TurnID = turnIDFrom(ctx)
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		logger.FromContext(ctx, e.log).Warn("发布通知事件失败",
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err),
		)
	}
}

type turnKey struct{}

func withTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnKey{}, id)
}

func turnIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(turnKey{}).(string)
	return id
}
