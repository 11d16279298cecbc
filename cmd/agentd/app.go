package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"Agent-Sandbox/internal/agent"
	"Agent-Sandbox/internal/config"
	"Agent-Sandbox/internal/conversation"
	"Agent-Sandbox/internal/events"
	"Agent-Sandbox/internal/llm"
	"Agent-Sandbox/internal/llm/anthropic"
	"Agent-Sandbox/internal/llm/openai"
	"Agent-Sandbox/internal/llm/scripted"
	"Agent-Sandbox/internal/observability/alerting"
	"Agent-Sandbox/internal/observability/metrics"
	"Agent-Sandbox/internal/tools"
	"Agent-Sandbox/internal/tools/calculator"
	"Agent-Sandbox/internal/tools/python"
	"Agent-Sandbox/internal/tools/search"
	"Agent-Sandbox/internal/tools/shell"
	"Agent-Sandbox/internal/turn"
	"Agent-Sandbox/pkg/logger"
)

// app 汇集由配置构造出的全部组件，closers 按逆序释放。
type app struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	store    conversation.Store
	registry *tools.Registry
	bus      *events.Bus
	engine   *agent.Engine
	closers  []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close 释放所有组件。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// loadConfig 读取 --config 或 AGENTD_CONFIG 指定的配置，两者都为空时使用默认值。
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("AGENTD_CONFIG")
	}
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("获取工作目录失败: %w", err)
		}
		return config.Default(wd)
	}
	return config.Load(path)
}

func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	a := &app{cfg: cfg, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	client, err := newLLMClient(cfg.LLM)
	if err != nil {
		return nil, err
	}
	pool := llm.NewPool(client, cfg.LLM.Concurrency,
		llm.WithCallTimeout(cfg.LLM.Timeout.Std()),
		llm.WithObserver(a.metrics.LLMObserver()),
	)

	a.store, err = newConversationStore(ctx, cfg.Storage.Conversations)
	if err != nil {
		return nil, err
	}
	a.onClose(a.store.Close)

	mailbox, err := newMailbox(ctx, cfg.Storage.Mailbox)
	if err != nil {
		return nil, err
	}
	a.registry = tools.NewRegistry(mailbox,
		tools.WithExecutionTimeout(cfg.Tools.Timeout.Std()),
		tools.WithObserver(a.metrics.ToolObserver()),
	)
	for _, tool := range builtinTools(cfg.Tools) {
		if slices.Contains(cfg.Tools.Disabled, tool.Name()) {
			logger.L().Info("工具已禁用", slog.String("tool", tool.Name()))
			continue
		}
		if err := a.registry.Register(tool); err != nil {
			_ = a.registry.Close()
			return nil, err
		}
	}

	sinks, err := newEventSinks(ctx, cfg.Events)
	for _, s := range sinks {
		a.onClose(s.Close)
	}
	if err != nil {
		_ = a.registry.Close()
		return nil, err
	}
	eventSinks := make([]events.Sink, 0, len(sinks))
	for _, s := range sinks {
		eventSinks = append(eventSinks, s)
	}
	a.bus = events.NewBus(cfg.Events.BusCapacity, eventSinks...)
	a.onClose(a.bus.Close)

	policy, err := agent.ParseConfirmationPolicy(cfg.Agent.ConfirmationPolicy)
	if err != nil {
		_ = a.registry.Close()
		return nil, err
	}
	opts := []agent.Option{
		agent.WithConfirmationPolicy(policy),
		agent.WithPublisher(a.bus),
		agent.WithSystemPrompt(cfg.Agent.SystemPrompt),
		agent.WithTurnObserver(a.metrics.TurnObserver()),
	}
	if cfg.Agent.HistoryWindow > 0 {
		opts = append(opts, agent.WithHistoryWindow(cfg.Agent.HistoryWindow))
	}
	if cfg.Agent.ChatWindow > 0 {
		opts = append(opts, agent.WithChatWindow(cfg.Agent.ChatWindow))
	}
	if cfg.Agent.MaxPlanIterations > 0 {
		opts = append(opts, agent.WithMaxPlanIterations(cfg.Agent.MaxPlanIterations))
	}
	a.engine = agent.New(pool, a.registry, a.store, opts...)
	a.onClose(a.engine.Close)
	return a, nil
}

func newLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Timeout:   cfg.Timeout.Std(),
			MaxTokens: cfg.MaxTokens,
		})
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Timeout:   cfg.Timeout.Std(),
			MaxTokens: cfg.MaxTokens,
		})
	case "scripted":
		client := scripted.New()
		client.Otherwise(scripted.Text("This agent is running with the offline scripted provider. Configure llm.provider to talk to a real model."))
		return client, nil
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

func newConversationStore(ctx context.Context, cfg config.ConversationStoreConfig) (conversation.Store, error) {
	switch cfg.Driver {
	case "memory":
		return conversation.NewMemoryStore(), nil
	case "file":
		return conversation.NewFileStore(cfg.Dir)
	case "sqlite", "mysql":
		return conversation.NewSQLStore(ctx, conversation.SQLConfig{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Driver)
	}
}

func newMailbox(ctx context.Context, cfg config.MailboxConfig) (tools.Mailbox, error) {
	switch cfg.Driver {
	case "memory":
		return tools.NewMemoryMailbox(), nil
	case "redis":
		return tools.NewRedisMailbox(ctx, tools.RedisMailboxConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Prefix,
			TTL:      cfg.TTL.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的确认邮箱驱动: %s", cfg.Driver)
	}
}

func builtinTools(cfg config.ToolsConfig) []tools.Tool {
	return []tools.Tool{
		calculator.New(),
		shell.New(
			shell.WithWorkDir(cfg.Shell.WorkDir),
			shell.WithTimeout(cfg.Shell.Timeout.Std()),
			shell.WithBlocked(cfg.Shell.Blocked...),
		),
		python.New(
			python.WithInterpreter(cfg.Python.Interpreter),
			python.WithWorkDir(cfg.Python.WorkDir),
			python.WithTimeout(cfg.Python.Timeout.Std()),
		),
		search.New(
			search.WithEndpoint(cfg.Search.Endpoint),
			search.WithMaxResults(cfg.Search.MaxResults),
			search.WithUserAgent(cfg.Search.UserAgent),
		),
	}
}

type closingSink interface {
	events.Sink
	Close() error
}

// newEventSinks 返回已成功创建的 Sink，出错时调用方仍需关闭它们。
func newEventSinks(ctx context.Context, cfg config.EventsConfig) ([]closingSink, error) {
	var sinks []closingSink
	if cfg.Redis.Enabled {
		sink, err := events.NewRedisSink(ctx, events.RedisSinkConfig{
			Address:  cfg.Redis.Redis.Address,
			Password: cfg.Redis.Redis.Password,
			DB:       cfg.Redis.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.RabbitMQ.Enabled {
		sink, err := events.NewRabbitMQSink(events.RabbitMQSinkConfig{
			URL:        cfg.RabbitMQ.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.RabbitMQ.Queue,
			Durable:    cfg.RabbitMQ.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func newJobQueue(ctx context.Context, cfg config.QueueConfig) (turn.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return turn.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return turn.NewRedisQueue(ctx, turn.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.RedisKey,
			BlockWait: cfg.BlockWait.Std(),
		})
	case "rabbitmq":
		return turn.NewRabbitMQQueue(turn.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的作业队列驱动: %s", cfg.Driver)
	}
}

func newJobStore(ctx context.Context, cfg config.JobStoreConfig) (turn.Store, error) {
	switch cfg.Driver {
	case "memory":
		return turn.NewMemoryStore(), nil
	case "sqlite", "mysql":
		return turn.NewSQLStore(ctx, turn.SQLConfig{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的作业存储驱动: %s", cfg.Driver)
	}
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{Logger: logger.Named("alert")})
	}
	if strings.TrimSpace(cfg.Webhook.URL) != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Webhook.URL, Headers: cfg.Webhook.Headers})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
