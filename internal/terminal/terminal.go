// Package terminal 实现 agentd 的交互式命令行界面：先选择会话，再在会话中对话。
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"

	"Agent-Sandbox/internal/conversation"
	"Agent-Sandbox/internal/events"
	"Agent-Sandbox/pkg/logger"
)

// Engine 是终端驱动的对话引擎。
type Engine interface {
	ProcessUserRequest(ctx context.Context, conversationID int64, text string) error
}

// ErrExit 表示用户要求退出程序。
var ErrExit = errors.New("terminal: exit requested")

type styles struct {
	header    lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	plan      lipgloss.Style
	tool      lipgloss.Style
	err       lipgloss.Style
	dim       lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		header:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		user:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		assistant: r.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		plan:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
		tool:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		err:       r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		dim:       r.NewStyle().Faint(true),
	}
}

// Terminal 是基于行输入的 REPL。
type Terminal struct {
	in           *bufio.Scanner
	out          io.Writer
	store        conversation.Store
	engine       Engine
	fanout       *events.Fanout
	workDir      string
	drainTimeout time.Duration
	styles       styles
	log          *slog.Logger
}

// Option 定义终端的可选配置。
type Option func(*Terminal)

// WithEvents 让终端订阅事件总线，实时打印引擎追加的消息。
func WithEvents(fanout *events.Fanout) Option {
	return func(t *Terminal) {
		t.fanout = fanout
	}
}

// WithWorkDir 设置标题栏展示的工作目录。
func WithWorkDir(dir string) Option {
	return func(t *Terminal) {
		t.workDir = dir
	}
}

// WithDrainTimeout 设置一轮结束后等待剩余事件的最长时间。
func WithDrainTimeout(d time.Duration) Option {
	return func(t *Terminal) {
		if d > 0 {
			t.drainTimeout = d
		}
	}
}

// New 创建终端。
func New(in io.Reader, out io.Writer, store conversation.Store, engine Engine, opts ...Option) *Terminal {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	t := &Terminal{
		in:           scanner,
		out:          out,
		store:        store,
		engine:       engine,
		drainTimeout: 2 * time.Second,
		styles:       newStyles(out),
		log:          logger.Named("terminal"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			t.workDir = wd
		}
	}
	return t
}

// Run 从会话选择界面开始，直到输入结束或用户退出。
func (t *Terminal) Run(ctx context.Context) error {
	for {
		id, err := t.selectConversation(ctx)
		if err != nil {
			return exitErr(err)
		}
		if err := t.Chat(ctx, id); err != nil {
			return exitErr(err)
		}
	}
}

// Chat 直接进入指定会话。用户输入 /back 时返回 nil，输入 /exit 或输入结束时返回 ErrExit。
func (t *Terminal) Chat(ctx context.Context, id int64) error {
	conv, err := t.store.Load(ctx, id)
	if err != nil {
		return err
	}
	t.printHeader(conv)
	for i := range conv.Messages {
		t.printMessage(conv.Messages[i])
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.prompt("> ")
		line, ok := t.readLine()
		if !ok {
			return ErrExit
		}
		switch line {
		case "":
			continue
		case "/back":
			return nil
		case "/exit", "/quit":
			return ErrExit
		}
		if err := t.turn(ctx, id, line); err != nil {
			return err
		}
	}
}

func (t *Terminal) turn(ctx context.Context, id int64, text string) error {
	t.printLine(t.styles.user.Render("[User]:") + " " + text)

	var before int
	if t.fanout == nil {
		conv, err := t.store.Load(ctx, id)
		if err != nil {
			return err
		}
		before = len(conv.Messages)
	}

	var failurePrinted atomic.Bool
	var finishOnce sync.Once
	finished := make(chan struct{})
	exited := make(chan struct{})
	finish := func() { finishOnce.Do(func() { close(finished) }) }
	var stop func()
	if t.fanout != nil {
		sink := events.NewChannelSink(64, events.ForConversation(id))
		remove := t.fanout.Add(sink)
		go func() {
			defer close(exited)
			for ev := range sink.Events() {
				select {
				case <-finished:
					continue
				default:
				}
				switch ev.Kind {
				case events.KindMessageAppended, events.KindMessageUpdated:
					if ev.Message != nil && ev.Message.Role != conversation.RoleUser {
						t.printMessage(*ev.Message)
					}
				case events.KindTurnFailed:
					t.printError(ev.Text)
					failurePrinted.Store(true)
					finish()
				case events.KindTurnCompleted:
					finish()
				}
			}
		}()
		stop = func() {
			remove()
			_ = sink.Close()
			<-exited
		}
	}

	err := t.engine.ProcessUserRequest(ctx, id, text)
	if stop != nil {
		select {
		case <-finished:
		case <-time.After(t.drainTimeout):
			t.log.Debug("等待事件超时", slog.Int64("conversation_id", id))
		}
		finish()
		stop()
	}

	conv, loadErr := t.store.Load(ctx, id)
	if loadErr != nil {
		return loadErr
	}
	if t.fanout == nil {
		for i := before; i < len(conv.Messages); i++ {
			if conv.Messages[i].Role != conversation.RoleUser {
				t.printMessage(conv.Messages[i])
			}
		}
	}
	if err != nil {
		if !failurePrinted.Load() {
			t.printError(err.Error())
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
	}
	t.printHeader(conv)
	return nil
}

func (t *Terminal) selectConversation(ctx context.Context) (int64, error) {
	if err := t.listConversations(ctx); err != nil {
		return 0, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		t.prompt("Select a conversation (number, + or new <title>, delete <id>, list, quit): ")
		line, ok := t.readLine()
		if !ok {
			return 0, ErrExit
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch strings.ToLower(cmd) {
		case "":
			continue
		case "quit", "exit", "q":
			return 0, ErrExit
		case "list", "ls":
			if err := t.listConversations(ctx); err != nil {
				return 0, err
			}
		case "+", "new":
			conv, err := conversation.Create(ctx, t.store, arg)
			if err != nil {
				t.printError(err.Error())
				continue
			}
			return conv.ID, nil
		case "delete", "d", "rm":
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || id <= 0 {
				t.printError("usage: delete <id>")
				continue
			}
			if err := t.store.Delete(ctx, id); err != nil {
				t.printError(err.Error())
				continue
			}
			t.printLine(fmt.Sprintf("Deleted conversation %d.", id))
		case "open", "o":
			cmd = arg
			fallthrough
		default:
			id, err := strconv.ParseInt(cmd, 10, 64)
			if err != nil || id <= 0 {
				t.printError(fmt.Sprintf("unknown command %q", line))
				continue
			}
			if _, err := t.store.Load(ctx, id); err != nil {
				t.printError(err.Error())
				continue
			}
			return id, nil
		}
	}
}

func (t *Terminal) listConversations(ctx context.Context) error {
	summaries, err := t.store.List(ctx)
	if err != nil {
		return err
	}
	t.printLine(t.styles.header.Render("Conversations:"))
	for _, s := range summaries {
		t.printLine(fmt.Sprintf("%2d. %-30s %s", s.ID, s.Title, t.styles.dim.Render(s.CreatedAt.Local().Format("2006-01-02 15:04"))))
	}
	t.printLine(" +. Create New Conversation")
	return nil
}

func (t *Terminal) printHeader(conv *conversation.Conversation) {
	in, out := conv.TotalTokens()
	t.printLine(t.styles.header.Render(fmt.Sprintf("AI Agent CLI - CWD: %s | Tokens: %d (In: %d, Out: %d)",
		t.workDir, in+out, in, out)))
}

func (t *Terminal) printMessage(msg conversation.Message) {
	t.printLine(t.formatMessage(msg))
}

func (t *Terminal) formatMessage(msg conversation.Message) string {
	var label string
	switch {
	case msg.Role == conversation.RoleUser:
		label = t.styles.user.Render("[User]:")
	case msg.Type == conversation.TypePlan:
		label = t.styles.plan.Render("[Assistant - Plan]:")
	case msg.Type == conversation.TypeTool:
		label = t.styles.tool.Render("[Assistant - Tool]:")
	default:
		label = t.styles.assistant.Render("[Assistant]:")
	}
	content := msg.Content
	if msg.PendingConfirmation {
		content += "\n" + t.styles.dim.Render("(reply yes to run this tool, anything else to cancel)")
	}
	return label + " " + content
}

func (t *Terminal) printError(text string) {
	t.printLine(t.styles.err.Render("[Error]:") + " " + text)
}

func (t *Terminal) printLine(s string) {
	_, _ = fmt.Fprintln(t.out, s)
}

func (t *Terminal) prompt(s string) {
	_, _ = fmt.Fprint(t.out, s)
}

func (t *Terminal) readLine() (string, bool) {
	if !t.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(t.in.Text()), true
}

func exitErr(err error) error {
	if errors.Is(err, ErrExit) {
		return nil
	}
	return err
}
