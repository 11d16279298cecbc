package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Agent-Sandbox/pkg/logger"
)

// Config 描述了 agentd 启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	LLM      LLMConfig      `yaml:"llm" json:"llm"`
	Agent    AgentConfig    `yaml:"agent" json:"agent"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Events   EventsConfig   `yaml:"events" json:"events"`
	Tools    ToolsConfig    `yaml:"tools" json:"tools"`
	Logging  logger.Config  `yaml:"logging" json:"logging"`
	Alerting AlertingConfig `yaml:"alerting" json:"alerting"`
	Runtime  RuntimeConfig  `yaml:"runtime" json:"runtime"`
}

// ServerConfig 控制 HTTP 服务与作业处理器。
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	MetricsAddress  string   `yaml:"metrics_address" json:"metrics_address"`
	Workers         int      `yaml:"workers" json:"workers"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// AllowedOrigins 是允许订阅事件流的跨域来源，例如 https://console.example.com。
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// LLMConfig 选择推理服务提供方。
type LLMConfig struct {
	// Provider 取值 openai、anthropic 或 scripted。
	Provider    string   `yaml:"provider" json:"provider"`
	Model       string   `yaml:"model" json:"model"`
	APIKey      string   `yaml:"api_key" json:"api_key"`
	BaseURL     string   `yaml:"base_url" json:"base_url"`
	Timeout     Duration `yaml:"timeout" json:"timeout"`
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens"`
	Concurrency int      `yaml:"concurrency" json:"concurrency"`
}

// AgentConfig 控制引擎行为。
type AgentConfig struct {
	ConfirmationPolicy string `yaml:"confirmation_policy" json:"confirmation_policy"`
	HistoryWindow      int    `yaml:"history_window" json:"history_window"`
	ChatWindow         int    `yaml:"chat_window" json:"chat_window"`
	MaxPlanIterations  int    `yaml:"max_plan_iterations" json:"max_plan_iterations"`
	SystemPrompt       string `yaml:"system_prompt" json:"system_prompt"`
}

// StorageConfig 描述会话存储与确认邮箱。
type StorageConfig struct {
	Conversations ConversationStoreConfig `yaml:"conversations" json:"conversations"`
	Mailbox       MailboxConfig           `yaml:"mailbox" json:"mailbox"`
}

// ConversationStoreConfig 的 Driver 取值 memory、file、sqlite 或 mysql。
type ConversationStoreConfig struct {
	Driver          string   `yaml:"driver" json:"driver"`
	Dir             string   `yaml:"dir" json:"dir"`
	DSN             string   `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// MailboxConfig 的 Driver 取值 memory 或 redis。
type MailboxConfig struct {
	Driver string      `yaml:"driver" json:"driver"`
	Redis  RedisConfig `yaml:"redis" json:"redis"`
	Prefix string      `yaml:"prefix" json:"prefix"`
	TTL    Duration    `yaml:"ttl" json:"ttl"`
}

// RedisConfig 是各 Redis 组件共用的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// RabbitMQConfig 是各 RabbitMQ 组件共用的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url" json:"url"`
	Queue      string `yaml:"queue" json:"queue"`
	Prefetch   int    `yaml:"prefetch" json:"prefetch"`
	Durable    bool   `yaml:"durable" json:"durable"`
	AutoDelete bool   `yaml:"auto_delete" json:"auto_delete"`
}

// QueueConfig 的 Driver 取值 memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver    string         `yaml:"driver" json:"driver"`
	Size      int            `yaml:"size" json:"size"`
	Redis     RedisConfig    `yaml:"redis" json:"redis"`
	RedisKey  string         `yaml:"redis_key" json:"redis_key"`
	BlockWait Duration       `yaml:"block_wait" json:"block_wait"`
	RabbitMQ  RabbitMQConfig `yaml:"rabbitmq" json:"rabbitmq"`
	Store     JobStoreConfig `yaml:"store" json:"store"`
}

// JobStoreConfig 的 Driver 取值 memory、sqlite 或 mysql。
type JobStoreConfig struct {
	Driver          string   `yaml:"driver" json:"driver"`
	DSN             string   `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	// FailInterrupted 为真时，启动阶段把上次退出时仍在运行的作业标记为失败。
	FailInterrupted bool `yaml:"fail_interrupted" json:"fail_interrupted"`
}

// EventsConfig 描述事件总线及其外部输出。
type EventsConfig struct {
	BusCapacity int                `yaml:"bus_capacity" json:"bus_capacity"`
	Redis       RedisSinkConfig    `yaml:"redis" json:"redis"`
	RabbitMQ    RabbitMQSinkConfig `yaml:"rabbitmq" json:"rabbitmq"`
}

// RedisSinkConfig 开启后把事件 PUBLISH 到按会话划分的频道。
type RedisSinkConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Redis   RedisConfig `yaml:",inline" json:"redis"`
	Prefix  string      `yaml:"prefix" json:"prefix"`
}

// RabbitMQSinkConfig 开启后把事件投递到 RabbitMQ 队列。
type RabbitMQSinkConfig struct {
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	RabbitMQ RabbitMQConfig `yaml:",inline" json:"rabbitmq"`
}

// ToolsConfig 描述工具注册与各工具参数。
type ToolsConfig struct {
	Timeout  Duration     `yaml:"timeout" json:"timeout"`
	Disabled []string     `yaml:"disabled" json:"disabled"`
	Shell    ShellConfig  `yaml:"shell" json:"shell"`
	Python   PythonConfig `yaml:"python" json:"python"`
	Search   SearchConfig `yaml:"search" json:"search"`
}

// ShellConfig 控制 shell_command 工具。
type ShellConfig struct {
	WorkDir string   `yaml:"work_dir" json:"work_dir"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
	Blocked []string `yaml:"blocked" json:"blocked"`
}

// PythonConfig 控制 python_interpreter 工具。
type PythonConfig struct {
	Interpreter string   `yaml:"interpreter" json:"interpreter"`
	WorkDir     string   `yaml:"work_dir" json:"work_dir"`
	Timeout     Duration `yaml:"timeout" json:"timeout"`
}

// SearchConfig 控制 web_search 工具。
type SearchConfig struct {
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	MaxResults int    `yaml:"max_results" json:"max_results"`
	UserAgent  string `yaml:"user_agent" json:"user_agent"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Log     bool          `yaml:"log" json:"log"`
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`
}

// WebhookConfig 为空 URL 时不启用。
type WebhookConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// Load 解析指定路径的配置文件。扩展名为 .json 时按 JSON 解析，其余按 YAML 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(content, &cfg)
	} else {
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		baseDir = filepath.Dir(path)
	}
	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回未提供配置文件时使用的配置，相对路径以 baseDir 为基准。
func Default(baseDir string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.Workers <= 0 {
		c.Server.Workers = 4
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = Duration(60 * time.Second)
	}
	if c.LLM.Concurrency <= 0 {
		c.LLM.Concurrency = 4
	}

	if c.Agent.ConfirmationPolicy == "" {
		c.Agent.ConfirmationPolicy = "auto_approve"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")

	store := &c.Storage.Conversations
	if store.Driver == "" {
		store.Driver = "file"
	}
	switch store.Driver {
	case "file":
		store.Dir = resolve(c.Runtime.DataDir, store.Dir, "conversations")
	case "sqlite":
		if store.DSN == "" {
			store.DSN = filepath.Join(c.Runtime.DataDir, "agentd.db")
		}
	}
	if c.Storage.Mailbox.Driver == "" {
		c.Storage.Mailbox.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.Store.Driver == "" {
		c.Queue.Store.Driver = "memory"
	}
	if c.Queue.Store.Driver == "sqlite" && c.Queue.Store.DSN == "" {
		c.Queue.Store.DSN = filepath.Join(c.Runtime.DataDir, "jobs.db")
	}

	if c.Events.BusCapacity <= 0 {
		c.Events.BusCapacity = 256
	}

	if c.Tools.Shell.WorkDir != "" {
		c.Tools.Shell.WorkDir = resolve(baseDir, c.Tools.Shell.WorkDir, "")
	}
	if c.Tools.Python.WorkDir != "" {
		c.Tools.Python.WorkDir = resolve(baseDir, c.Tools.Python.WorkDir, "")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// applyEnv 使用环境变量覆盖配置文件中的值。
func (c *Config) applyEnv() {
	setString := func(key string, target *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	setInt := func(key string, target *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*target = n
			}
		}
	}

	setString("AGENTD_LISTEN", &c.Server.Address)
	setInt("AGENTD_WORKERS", &c.Server.Workers)
	setString("AGENTD_PROVIDER", &c.LLM.Provider)
	setString("AGENTD_MODEL", &c.LLM.Model)
	setString("AGENTD_BASE_URL", &c.LLM.BaseURL)
	switch c.LLM.Provider {
	case "openai":
		setString("OPENAI_API_KEY", &c.LLM.APIKey)
	case "anthropic":
		setString("ANTHROPIC_API_KEY", &c.LLM.APIKey)
	}
	setString("AGENTD_API_KEY", &c.LLM.APIKey)
	setString("AGENTD_CONFIRMATION_POLICY", &c.Agent.ConfirmationPolicy)
	setString("AGENTD_LOG_LEVEL", &c.Logging.Level)
	setString("AGENTD_REDIS_ADDR", &c.Storage.Mailbox.Redis.Address)
	setString("AGENTD_QUEUE_DRIVER", &c.Queue.Driver)
}

// Validate 检查枚举取值。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 取值 %q 无效，可选值: %s", field, value, strings.Join(allowed, ", ")))
	}
	check("llm.provider", c.LLM.Provider, "openai", "anthropic", "scripted")
	check("agent.confirmation_policy", c.Agent.ConfirmationPolicy, "auto_approve", "require_user")
	check("storage.conversations.driver", c.Storage.Conversations.Driver, "memory", "file", "sqlite", "mysql")
	check("storage.mailbox.driver", c.Storage.Mailbox.Driver, "memory", "redis")
	check("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq")
	check("queue.store.driver", c.Queue.Store.Driver, "memory", "sqlite", "mysql")
	if c.Queue.Store.Driver == "mysql" && c.Queue.Store.DSN == "" {
		errs = append(errs, errors.New("queue.store.dsn 不能为空"))
	}
	if c.Storage.Conversations.Driver == "mysql" && c.Storage.Conversations.DSN == "" {
		errs = append(errs, errors.New("storage.conversations.dsn 不能为空"))
	}
	if c.Storage.Mailbox.Driver == "redis" && c.Storage.Mailbox.Redis.Address == "" {
		errs = append(errs, errors.New("storage.mailbox.redis.address 不能为空"))
	}
	return errors.Join(errs...)
}
