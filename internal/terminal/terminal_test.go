package terminal

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"Agent-Sandbox/internal/agent"
	"Agent-Sandbox/internal/conversation"
	"Agent-Sandbox/internal/events"
	"Agent-Sandbox/internal/llm/scripted"
	"Agent-Sandbox/internal/tools"
)

type failingEngine struct {
	calls int
}

func (f *failingEngine) ProcessUserRequest(context.Context, int64, string) error {
	f.calls++
	return errors.New("boom")
}

func TestSelectionCreateChatAndBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := conversation.NewMemoryStore()
	client := scripted.New(
		scripted.JSON(agent.IntentClassification{IntentType: agent.IntentConversational, Reasoning: "chat"}),
		scripted.Text("Hi there"),
	)
	bus := events.NewBus(32)
	done := make(chan struct{})
	go func() { _ = bus.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	engine := agent.New(client, tools.NewRegistry(nil), store, agent.WithPublisher(bus))
	defer engine.Close()

	var out bytes.Buffer
	in := strings.NewReader("new demo\nhello\n/back\nlist\nquit\n")
	term := New(in, &out, store, engine, WithEvents(bus.Fanout()), WithWorkDir("/work"))
	if err := term.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"+. Create New Conversation",
		"AI Agent CLI - CWD: /work | Tokens: 0 (In: 0, Out: 0)",
		"[User]: hello",
		"[Assistant]: Hi there",
		"AI Agent CLI - CWD: /work | Tokens: 15 (In: 10, Out: 5)",
		" 1. demo",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "[User]: hello") != 1 {
		t.Fatalf("user message echoed more than once:\n%s", got)
	}
	if bus.Fanout().Len() != 0 {
		t.Fatalf("terminal left %d subscribers attached", bus.Fanout().Len())
	}
}

func TestChatReportsEngineErrorsWithoutEvents(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	conv, err := conversation.Create(ctx, store, "errors")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	engine := &failingEngine{}

	var out bytes.Buffer
	term := New(strings.NewReader("hi\n\n/exit\n"), &out, store, engine)
	if err := term.Chat(ctx, conv.ID); !errors.Is(err, ErrExit) {
		t.Fatalf("expected ErrExit, got %v", err)
	}
	if engine.calls != 1 {
		t.Fatalf("expected 1 engine call, got %d", engine.calls)
	}
	if !strings.Contains(out.String(), "[Error]: boom") {
		t.Fatalf("missing error line:\n%s", out.String())
	}
}

func TestSelectionDeleteAndUnknownCommands(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	if _, err := conversation.Create(ctx, store, "gone"); err != nil {
		t.Fatalf("create: %v", err)
	}

	var out bytes.Buffer
	input := "bogus\nopen 42\ndelete x\ndelete 1\nlist\n"
	term := New(strings.NewReader(input), &out, store, &failingEngine{})
	if err := term.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		`[Error]: unknown command "bogus"`,
		"CONVERSATION_NOT_FOUND",
		"[Error]: usage: delete <id>",
		"Deleted conversation 1.",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	summaries, _ := store.List(ctx)
	if len(summaries) != 0 {
		t.Fatalf("expected conversation to be deleted, got %d", len(summaries))
	}
}

func TestFormatMessageLabels(t *testing.T) {
	term := New(strings.NewReader(""), &bytes.Buffer{}, conversation.NewMemoryStore(), &failingEngine{})
	cases := []struct {
		msg  conversation.Message
		want string
	}{
		{conversation.Message{Role: conversation.RoleUser, Type: conversation.TypeText, Content: "q"}, "[User]: q"},
		{conversation.Message{Role: conversation.RoleAssistant, Type: conversation.TypeText, Content: "a"}, "[Assistant]: a"},
		{conversation.Message{Role: conversation.RoleAssistant, Type: conversation.TypePlan, Content: "p"}, "[Assistant - Plan]: p"},
		{conversation.Message{Role: conversation.RoleAssistant, Type: conversation.TypeTool, Content: "t"}, "[Assistant - Tool]: t"},
	}
	for _, tc := range cases {
		if got := term.formatMessage(tc.msg); got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
	pending := term.formatMessage(conversation.Message{
		Role: conversation.RoleAssistant, Type: conversation.TypeTool, Content: "Run ls", PendingConfirmation: true,
	})
	if !strings.Contains(pending, "reply yes") {
		t.Fatalf("pending confirmation hint missing: %q", pending)
	}
}
