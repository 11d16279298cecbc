// Package python 提供在子进程中运行 Python 代码的工具，每次调用都需要用户确认。
package python

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"Agent-Sandbox/pkg/logger"
)

// Name 是工具注册名。
const Name = "python_interpreter"

// Input 是解释器工具的输入。
type Input struct {
	Code string `json:"code" jsonschema:"description=The Python code to be executed. It should be self-contained and print its results." validate:"required"`
}

var fence = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_-]+)?\\s*(.*?)\\s*```")

// ExtractCode 返回第一个围栏代码块的内容，没有围栏时返回去除首尾空白的原文。
func ExtractCode(input string) string {
	if m := fence.FindStringSubmatch(input); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(input)
}

// Tool 通过 `python3 -c` 执行代码。
type Tool struct {
	interpreter string
	workDir     string
	timeout     time.Duration
}

// Option 定义工具的可选配置。
type Option func(*Tool)

// WithInterpreter 替换解释器路径。
func WithInterpreter(path string) Option {
	return func(t *Tool) {
		if path != "" {
			t.interpreter = path
		}
	}
}

// WithWorkDir 指定工作目录。
func WithWorkDir(dir string) Option {
	return func(t *Tool) { t.workDir = dir }
}

// WithTimeout 限制单次执行时长。
func WithTimeout(timeout time.Duration) Option {
	return func(t *Tool) { t.timeout = timeout }
}

// New 创建解释器工具。
func New(opts ...Option) *Tool {
	t := &Tool{interpreter: "python3"}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Executes a block of Python code in a separate interpreter process. The code should be self-contained."
}

func (t *Tool) NewInput() any { return &Input{} }

func (t *Tool) RequiresConfirmation() bool { return true }

func (t *Tool) Preview(input any) string {
	code := ExtractCode(input.(*Input).Code)
	return fmt.Sprintf("!!  CODE OPERATION PREVIEW !!\nAbout to execute Python code:\n\n%s\n\nDo you want to proceed? (y/n)", code)
}

// Run 执行代码。Python 侧的异常以文本形式返回，附带异常前已产生的输出。
func (t *Tool) Run(ctx context.Context, input any) (string, error) {
	code := ExtractCode(input.(*Input).Code)
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	log := logger.FromContext(ctx, logger.Named("python"))
	log.Info("执行 Python 代码", slog.Int("bytes", len(code)))

	cmd := exec.CommandContext(ctx, t.interpreter, "-c", code)
	cmd.Dir = t.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("python execution interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("start %s: %w", t.interpreter, err)
		}
		trace := strings.TrimSpace(stderr.String())
		log.Warn("Python 代码执行失败", slog.Int("code", exitErr.ExitCode()))
		if strings.Contains(trace, "SyntaxError") {
			return "Syntax error in code block: " + lastLine(trace), nil
		}
		message := "Error executing code block: " + lastLine(trace)
		if captured := stdout.String(); captured != "" {
			return message + "\nCaptured output:\n" + captured, nil
		}
		return message, nil
	}
	if out := stdout.String(); out != "" {
		return "Code executed successfully:\n" + out, nil
	}
	return "Code executed successfully with no output.", nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
