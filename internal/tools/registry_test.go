package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/plan"
)

type echoInput struct {
	Text string `json:"text" validate:"required"`
}

type echoTool struct {
	name  string
	gated bool
	mu    sync.Mutex
	runs  int
	err   error
	panic bool
}

func (e *echoTool) Name() string               { return e.name }
func (e *echoTool) Description() string        { return "echoes text" }
func (e *echoTool) NewInput() any              { return &echoInput{} }
func (e *echoTool) RequiresConfirmation() bool { return e.gated }
func (e *echoTool) Preview(input any) string   { return "about to echo " + input.(*echoInput).Text }

func (e *echoTool) Run(_ context.Context, input any) (string, error) {
	e.mu.Lock()
	e.runs++
	e.mu.Unlock()
	if e.panic {
		panic("kaboom")
	}
	if e.err != nil {
		return "", e.err
	}
	return "echo: " + input.(*echoInput).Text, nil
}

func (e *echoTool) runCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "echo"}))
	err := r.Register(&echoTool{name: "echo"})
	require.Error(t, err)
	require.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
	require.Error(t, r.Register(&echoTool{name: " "}))
	require.Equal(t, []string{"echo"}, r.Names())
}

func TestExecuteUngatedRunsImmediately(t *testing.T) {
	tool := &echoTool{name: "echo"}
	r := NewRegistry(nil).MustRegister(tool)

	out, needs, err := r.Execute(context.Background(), "echo", `{"text":"hi"}`, false)
	require.NoError(t, err)
	require.False(t, needs)
	require.Equal(t, "echo: hi", out)
	require.Equal(t, 1, tool.runCount())
}

func TestExecuteGatedReturnsPreviewWithoutSideEffects(t *testing.T) {
	tool := &echoTool{name: "echo", gated: true}
	r := NewRegistry(nil).MustRegister(tool)

	out, needs, err := r.Execute(context.Background(), "echo", `{"text":"hi"}`, false)
	require.NoError(t, err)
	require.True(t, needs)
	require.Equal(t, "about to echo hi", out)
	require.Zero(t, tool.runCount())

	out, needs, err = r.Execute(context.Background(), "echo", `{"text":"hi"}`, true)
	require.NoError(t, err)
	require.False(t, needs)
	require.Equal(t, "echo: hi", out)
	require.Equal(t, 1, tool.runCount())
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	_, _, err := r.Execute(context.Background(), "nope", `{}`, true)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownTool))
	require.Equal(t, CodeUnknownTool, xerrors.CodeOf(err))
}

func TestExecuteInvalidInputIsText(t *testing.T) {
	tool := &echoTool{name: "echo", gated: true}
	r := NewRegistry(nil).MustRegister(tool)

	for _, raw := range []string{`not json`, `{}`, ``} {
		out, needs, err := r.Execute(context.Background(), "echo", raw, false)
		require.NoError(t, err)
		require.False(t, needs, "invalid input must not ask for confirmation")
		require.True(t, strings.HasPrefix(out, "Invalid input for echo:"), out)
	}
	require.Zero(t, tool.runCount())
}

func TestExecuteConvertsFailuresToText(t *testing.T) {
	r := NewRegistry(nil).MustRegister(
		&echoTool{name: "failing", err: errors.New("disk full")},
		&echoTool{name: "panicky", panic: true},
	)

	out, _, err := r.Execute(context.Background(), "failing", `{"text":"x"}`, false)
	require.NoError(t, err)
	require.Equal(t, "Error executing failing: disk full", out)

	out, _, err = r.Execute(context.Background(), "panicky", `{"text":"x"}`, false)
	require.NoError(t, err)
	require.Equal(t, "Error executing panicky: kaboom", out)
}

func TestExecuteReportsOutcomes(t *testing.T) {
	var mu sync.Mutex
	seen := map[Outcome]int{}
	r := NewRegistry(nil, WithObserver(func(_ string, outcome Outcome, _ time.Duration) {
		mu.Lock()
		seen[outcome]++
		mu.Unlock()
	})).MustRegister(&echoTool{name: "echo", gated: true})

	ctx := context.Background()
	_, _, _ = r.Execute(ctx, "echo", `{"text":"a"}`, false)
	_, _, _ = r.Execute(ctx, "echo", `{"text":"a"}`, true)
	_, _, _ = r.Execute(ctx, "echo", `{}`, true)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[Outcome]int{OutcomePreview: 1, OutcomeExecuted: 1, OutcomeInvalidInput: 1}, seen)
}

func TestPendingConfirmationGetAndRemove(t *testing.T) {
	r := NewRegistry(NewMemoryMailbox())
	ctx := context.Background()

	pending, err := r.GetPendingConfirmation(ctx, 7)
	require.NoError(t, err)
	require.Nil(t, pending)

	require.NoError(t, r.StorePendingConfirmation(ctx, 7, PendingConfirmation{ToolType: "echo", RawInput: `{"text":"a"}`, MessageID: 1}))
	require.NoError(t, r.StorePendingConfirmation(ctx, 7, PendingConfirmation{ToolType: "echo", RawInput: `{"text":"b"}`, MessageID: 3}))

	pending, err = r.GetPendingConfirmation(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.Equal(t, `{"text":"b"}`, pending.RawInput, "last write wins")
	require.Equal(t, 3, pending.MessageID)
	require.False(t, pending.CreatedAt.IsZero())

	pending, err = r.GetPendingConfirmation(ctx, 7)
	require.NoError(t, err)
	require.Nil(t, pending, "a pending call is consumed by the first read")
}

func TestMailboxesAreIsolatedPerConversation(t *testing.T) {
	mailbox := NewMemoryMailbox()
	ctx := context.Background()
	require.NoError(t, mailbox.Put(ctx, 1, PendingConfirmation{ToolType: "a"}))
	require.NoError(t, mailbox.Put(ctx, 2, PendingConfirmation{ToolType: "b"}))

	got, err := mailbox.Take(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "b", got.ToolType)
	got, err = mailbox.Take(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "a", got.ToolType)
}

func TestMemoryMailboxCopiesCheckpoints(t *testing.T) {
	mailbox := NewMemoryMailbox()
	ctx := context.Background()
	checkpoint := &PlanCheckpoint{
		Plan:    plan.Plan{Steps: []plan.Step{{StepID: 1, Thought: "t", ToolType: "echo"}}},
		Outputs: map[string]string{"step_1_output": "x"},
	}
	require.NoError(t, mailbox.Put(ctx, 1, PendingConfirmation{ToolType: "echo", Plan: checkpoint}))
	checkpoint.Outputs["step_1_output"] = "mutated"
	checkpoint.Plan.Steps[0].Thought = "mutated"

	got, err := mailbox.Take(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "x", got.Plan.Outputs["step_1_output"])
	require.Equal(t, "t", got.Plan.Plan.Steps[0].Thought)
}

func TestDescribeToolsListsSchemas(t *testing.T) {
	r := NewRegistry(nil).MustRegister(&echoTool{name: "echo", gated: true})
	text, err := r.DescribeTools()
	require.NoError(t, err)
	require.Contains(t, text, `"name": "echo"`)
	require.Contains(t, text, `"requires_confirmation": true`)
	require.Contains(t, text, `"text"`)
}
