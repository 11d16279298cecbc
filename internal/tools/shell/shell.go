// Package shell 提供执行 shell 命令的工具，每次调用都需要用户确认。
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"Agent-Sandbox/pkg/logger"
)

// Name 是工具注册名。
const Name = "shell_command"

// Input 是 shell 工具的输入。
type Input struct {
	Command string `json:"command" jsonschema:"description=The shell command to be executed." validate:"required"`
}

// Config 控制命令执行环境。
type Config struct {
	Shell   string
	WorkDir string
	Timeout time.Duration
	// Blocked 中的任意子串出现在命令里时拒绝执行。
	Blocked []string
}

// Tool 通过 `sh -c` 执行命令。
type Tool struct {
	cfg Config
}

// Option 定义工具的可选配置。
type Option func(*Config)

// WithWorkDir 指定命令的工作目录。
func WithWorkDir(dir string) Option {
	return func(c *Config) { c.WorkDir = dir }
}

// WithTimeout 限制单条命令的执行时长。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.Timeout = timeout }
}

// WithBlocked 追加拒绝执行的命令片段。
func WithBlocked(patterns ...string) Option {
	return func(c *Config) { c.Blocked = append(c.Blocked, patterns...) }
}

// New 创建 shell 工具。
func New(opts ...Option) *Tool {
	cfg := Config{Shell: "sh"}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Tool{cfg: cfg}
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Executes a shell command on the user's system. Use with extreme caution."
}

func (t *Tool) NewInput() any { return &Input{} }

func (t *Tool) RequiresConfirmation() bool { return true }

func (t *Tool) Preview(input any) string {
	command := strings.TrimSpace(input.(*Input).Command)
	return fmt.Sprintf("!!  COMMAND PREVIEW !!\nAbout to execute shell command:\n'%s'\n\nThis will run on your system. Do you want to proceed? (y/n)", command)
}

// Run 执行命令。非零退出码与输出一起作为文本结果返回，而不是错误。
func (t *Tool) Run(ctx context.Context, input any) (string, error) {
	command := strings.TrimSpace(input.(*Input).Command)
	for _, pattern := range t.cfg.Blocked {
		if pattern != "" && strings.Contains(command, pattern) {
			return "", fmt.Errorf("command blocked by policy: contains %q", pattern)
		}
	}
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	log := logger.FromContext(ctx, logger.Named("shell"))
	log.Info("执行 shell 命令", slog.String("command", command))

	cmd := exec.CommandContext(ctx, t.cfg.Shell, "-c", command)
	cmd.Dir = t.cfg.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var output strings.Builder
	if out := strings.TrimSpace(stdout.String()); out != "" {
		output.WriteString("STDOUT:\n" + out + "\n")
	}
	if out := strings.TrimSpace(stderr.String()); out != "" {
		output.WriteString("STDERR:\n" + out + "\n")
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			log.Warn("shell 命令返回非零退出码", slog.Int("code", exitErr.ExitCode()))
			return fmt.Sprintf("Command failed with return code %d.\n%s", exitErr.ExitCode(), output.String()), nil
		}
		return "", fmt.Errorf("an unexpected error occurred while executing command: %w", runErr)
	}
	if output.Len() == 0 {
		return "Command executed successfully with no output.", nil
	}
	return output.String(), nil
}
