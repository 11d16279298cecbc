package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"Agent-Sandbox/internal/conversation"
	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/events"
	"Agent-Sandbox/internal/llm"
	"Agent-Sandbox/internal/llm/scripted"
	"Agent-Sandbox/internal/plan"
	"Agent-Sandbox/internal/tools"
	"Agent-Sandbox/internal/tools/calculator"
)

// spyInput / spyTool stand in for a side-effecting tool such as the shell.
type spyInput struct {
	Text string `json:"text" validate:"required"`
}

type spyTool struct {
	mu     sync.Mutex
	inputs []string
}

func (s *spyTool) Name() string               { return "shell_command" }
func (s *spyTool) Description() string        { return "runs a command" }
func (s *spyTool) NewInput() any              { return &spyInput{} }
func (s *spyTool) RequiresConfirmation() bool { return true }
func (s *spyTool) Preview(input any) string {
	return "!!  COMMAND PREVIEW !!\nAbout to run " + input.(*spyInput).Text
}

func (s *spyTool) Run(_ context.Context, input any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, input.(*spyInput).Text)
	return "ran " + input.(*spyInput).Text, nil
}

func (s *spyTool) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs...)
}

type countingStore struct {
	conversation.Store
	saves atomic.Int32
}

func (c *countingStore) Save(ctx context.Context, conv *conversation.Conversation) error {
	c.saves.Add(1)
	return c.Store.Save(ctx, conv)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type harness struct {
	engine    *Engine
	llm       *scripted.Client
	store     *countingStore
	spy       *spyTool
	publisher *recordingPublisher
	convID    int64
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		llm:       scripted.New(),
		store:     &countingStore{Store: conversation.NewMemoryStore()},
		spy:       &spyTool{},
		publisher: &recordingPublisher{},
	}
	registry := tools.NewRegistry(tools.NewMemoryMailbox()).MustRegister(calculator.New(), h.spy)
	opts = append([]Option{WithPublisher(h.publisher)}, opts...)
	h.engine = New(h.llm, registry, h.store, opts...)
	t.Cleanup(func() { _ = h.engine.Close() })

	conv, err := conversation.Create(context.Background(), h.store, "test")
	require.NoError(t, err)
	h.convID = conv.ID
	h.store.saves.Store(0)
	return h
}

func (h *harness) send(t *testing.T, text string) error {
	t.Helper()
	return h.engine.ProcessUserRequest(context.Background(), h.convID, text)
}

func (h *harness) messages(t *testing.T) []conversation.Message {
	t.Helper()
	conv, err := h.store.Load(context.Background(), h.convID)
	require.NoError(t, err)
	return conv.Messages
}

func intent(kind IntentType, tool string) scripted.Reply {
	return scripted.JSON(IntentClassification{IntentType: kind, Reasoning: "test", SuggestedTool: tool})
}

func selection(tool, input string) scripted.Reply {
	return scripted.JSON(ToolSelection{ToolType: tool, ToolInput: input})
}

func stepMessage(step plan.Step, message string, complete bool) scripted.Reply {
	return scripted.JSON(plan.StepMessage{Step: step, Message: message, PlanComplete: complete})
}

var (
	addStep   = plan.Step{StepID: 1, Thought: "add the numbers", ToolType: calculator.Name, ToolInput: `{"expression":"2+3"}`}
	shellStep = plan.Step{StepID: 2, Thought: "run the command with the sum", ToolType: "shell_command", ToolInput: `{"text":"$step_1_output"}`}
	twoSteps  = plan.Plan{Steps: []plan.Step{addStep, shellStep}}
)

func TestCalculateEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(
		intent(IntentSimpleTool, calculator.Name),
		selection(calculator.Name, `{"expression":"2+2"}`),
	)

	require.NoError(t, h.send(t, "calculate 2+2"))

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.RoleUser, msgs[0].Role)
	require.Equal(t, "calculate 2+2", msgs[0].Content)
	require.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	require.Equal(t, conversation.TypeTool, msgs[1].Type)
	require.Equal(t, "4", msgs[1].Content)
	require.False(t, msgs[1].PendingConfirmation)
	require.Equal(t, []int{0, 1}, []int{msgs[0].ID, msgs[1].ID})
	require.Zero(t, h.llm.Remaining())
}

func TestDeclinedShellCommandNeverRuns(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(
		intent(IntentSimpleTool, "shell_command"),
		selection("shell_command", `{"text":"rm -rf build"}`),
	)

	require.NoError(t, h.send(t, "delete the build directory"))
	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	held := msgs[1]
	require.True(t, held.PendingConfirmation)
	require.Nil(t, held.Confirmed)
	require.Contains(t, held.Content, "COMMAND PREVIEW")

	requestsBefore := len(h.llm.Requests())
	require.NoError(t, h.send(t, " No "))

	msgs = h.messages(t)
	require.Len(t, msgs, 3)
	require.Equal(t, held.ID, msgs[1].ID)
	require.Equal(t, CancelledNotice, msgs[1].Content)
	require.NotNil(t, msgs[1].Confirmed)
	require.False(t, *msgs[1].Confirmed)
	require.False(t, msgs[1].PendingConfirmation)
	require.Equal(t, "No", msgs[2].Content)
	require.Equal(t, conversation.RoleUser, msgs[2].Role)

	require.Empty(t, h.spy.calls(), "a declined command must never run")
	require.Len(t, h.llm.Requests(), requestsBefore, "the handshake does not consult the reasoning service")

	pending, err := h.engine.Registry().GetPendingConfirmation(context.Background(), h.convID)
	require.NoError(t, err)
	require.Nil(t, pending)
}

func TestApprovedCallRunsOnceAndUpdatesHeldMessage(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(
		intent(IntentSimpleTool, "shell_command"),
		selection("shell_command", `{"text":"make"}`),
	)
	require.NoError(t, h.send(t, "build it"))
	require.NoError(t, h.send(t, "YES"))

	require.Equal(t, []string{"make"}, h.spy.calls())
	msgs := h.messages(t)
	require.Len(t, msgs, 3)
	require.Equal(t, "ran make", msgs[1].Content)
	require.True(t, *msgs[1].Confirmed)
	require.False(t, msgs[1].PendingConfirmation)
	require.True(t, msgs[1].UpdatedAt.After(msgs[1].CreatedAt) || msgs[1].UpdatedAt.Equal(msgs[1].CreatedAt))
}

func TestApprovalWithStaleMessageIDSettlesLastPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.llm.Push(
		intent(IntentSimpleTool, "shell_command"),
		selection("shell_command", `{"text":"make"}`),
	)
	require.NoError(t, h.send(t, "build it"))

	registry := h.engine.Registry()
	pending, err := registry.GetPendingConfirmation(ctx, h.convID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	pending.MessageID = 0
	require.NoError(t, registry.StorePendingConfirmation(ctx, h.convID, *pending))

	require.NoError(t, h.send(t, "yes"))
	msgs := h.messages(t)
	require.Len(t, msgs, 3)
	require.Equal(t, "build it", msgs[0].Content, "the user message must not be overwritten")
	require.Equal(t, "ran make", msgs[1].Content)
	require.False(t, msgs[1].PendingConfirmation)
	require.True(t, *msgs[1].Confirmed)
}

func TestConfirmationTokenWithoutPendingIsOrdinaryMessage(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(intent(IntentConversational, ""), scripted.Text("Sure, what should I do?"))

	require.NoError(t, h.send(t, "yes"))
	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	require.Equal(t, "yes", msgs[0].Content)
	require.Equal(t, "Sure, what should I do?", msgs[1].Content)
	require.Equal(t, 10, msgs[1].InputTokens)
	require.Equal(t, 5, msgs[1].OutputTokens)
}

func TestClassifierFailsSoftToConversation(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(scripted.Fail(errors.New("connection reset")), scripted.Text("Hello!"))

	require.NoError(t, h.send(t, "hi"))
	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	require.Equal(t, "Hello!", msgs[1].Content)

	h.llm.Push(scripted.Text("not json at all"), scripted.Text("Still here."))
	require.NoError(t, h.send(t, "hello again"))
	require.Equal(t, "Still here.", h.messages(t)[3].Content)
}

func TestClassifierRequestShape(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(intent(IntentConversational, ""), scripted.Text("one"))
	require.NoError(t, h.send(t, "first question"))
	h.llm.Push(intent(IntentConversational, ""), scripted.Text("two"))
	require.NoError(t, h.send(t, "second question"))

	reqs := h.llm.Requests()
	classify := reqs[2]
	require.NotNil(t, classify.Schema)
	require.Equal(t, "intent_classification", classify.Schema.Name)
	require.InDelta(t, 0.1, classify.Temperature, 1e-6)
	prompt := classify.Messages[len(classify.Messages)-1].Content
	require.Contains(t, prompt, "user: first question")
	require.Contains(t, prompt, "assistant: one")
	require.NotContains(t, prompt, "user: second question", "the current message is not part of the history")
	require.Contains(t, prompt, `"name": "calculator"`)

	chat := reqs[3]
	require.Nil(t, chat.Schema)
	require.InDelta(t, 0.7, chat.Temperature, 1e-6)
	require.Equal(t, llm.RoleSystem, chat.Messages[0].Role)
	require.Equal(t, "second question", chat.Messages[len(chat.Messages)-1].Content)
}

func TestClarificationShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(scripted.JSON(IntentClassification{
		IntentType:            IntentComplexTask,
		Reasoning:             "ambiguous",
		RequiresClarification: true,
		ClarificationQuestion: "Which directory?",
	}))

	require.NoError(t, h.send(t, "clean it up"))
	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	require.Equal(t, "Which directory?", msgs[1].Content)
	require.Zero(t, h.llm.Remaining())
}

func TestInputErrorsHaveNoSideEffects(t *testing.T) {
	h := newHarness(t)

	err := h.send(t, "   ")
	require.Error(t, err)
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	err = h.engine.ProcessUserRequest(context.Background(), 999, "hello")
	require.Error(t, err)
	require.True(t, errors.Is(err, conversation.ErrConversationNotFound))

	require.Zero(t, h.store.saves.Load())
	require.Empty(t, h.llm.Requests())
	require.Empty(t, h.publisher.kinds())
}

// TestPlanAutoApprovesGatedToolsMidPlan pins the auto_approve policy: under it a
// gated tool inside a plan runs WITHOUT asking the user. This bypasses the
// confirmation gate and is only the default for compatibility.
func TestPlanAutoApprovesGatedToolsMidPlan(t *testing.T) {
	h := newHarness(t, WithConfirmationPolicy(PolicyAutoApprove))
	require.Equal(t, PolicyAutoApprove, h.engine.Policy())
	h.llm.Push(
		intent(IntentComplexTask, ""),
		scripted.JSON(twoSteps),
		stepMessage(addStep, "First I add the numbers.", false),
		stepMessage(shellStep, "Now I run the command.", false),
		stepMessage(plan.Step{}, "All done: the command ran with 5.", true),
	)

	require.NoError(t, h.send(t, "add 2 and 3 then run the command with it"))

	require.Equal(t, []string{"5"}, h.spy.calls(), "AUTO-APPROVE: the gated tool ran without user confirmation")

	msgs := h.messages(t)
	require.Len(t, msgs, 8)
	want := []struct {
		role conversation.Role
		typ  conversation.Type
	}{
		{conversation.RoleUser, conversation.TypeText},
		{conversation.RoleAssistant, conversation.TypePlan},
		{conversation.RoleSystem, conversation.TypeText},
		{conversation.RoleAssistant, conversation.TypeText},
		{conversation.RoleAssistant, conversation.TypeTool},
		{conversation.RoleAssistant, conversation.TypeText},
		{conversation.RoleAssistant, conversation.TypeTool},
		{conversation.RoleAssistant, conversation.TypeText},
	}
	for i, w := range want {
		require.Equal(t, i, msgs[i].ID)
		require.Equal(t, w.role, msgs[i].Role, "message %d", i)
		require.Equal(t, w.typ, msgs[i].Type, "message %d", i)
	}
	require.NotNil(t, msgs[1].Plan)
	require.Equal(t, []int{1, 2}, msgs[1].Plan.StepIDs())
	require.Equal(t, "5", msgs[4].Content)
	require.Equal(t, "ran 5", msgs[6].Content)
	require.Equal(t, "All done: the command ran with 5.", msgs[7].Content)

	reqs := h.llm.Requests()
	require.Len(t, reqs, 5)
	require.Contains(t, reqs[4].Messages[0].Content, "(Step 2)")
	require.Contains(t, reqs[4].Messages[0].Content, "ran 5")

	kinds := h.publisher.kinds()
	require.Equal(t, events.KindTurnCompleted, kinds[len(kinds)-1])
	require.Len(t, kinds, 9)
}

func TestPlanRequireUserSuspendsAndResumes(t *testing.T) {
	h := newHarness(t, WithConfirmationPolicy(PolicyRequireUser))
	h.llm.Push(
		intent(IntentComplexTask, ""),
		scripted.JSON(twoSteps),
		stepMessage(addStep, "First I add the numbers.", false),
		stepMessage(shellStep, "Now I run the command.", false),
	)

	require.NoError(t, h.send(t, "add 2 and 3 then run the command with it"))
	require.Empty(t, h.spy.calls())

	msgs := h.messages(t)
	require.Len(t, msgs, 7)
	held := msgs[6]
	require.True(t, held.PendingConfirmation)
	require.Contains(t, held.Content, "About to run 5")

	h.llm.Push(stepMessage(plan.Step{}, "Finished.", true))
	require.NoError(t, h.send(t, "y"))

	require.Equal(t, []string{"5"}, h.spy.calls())
	msgs = h.messages(t)
	require.Len(t, msgs, 9)
	require.Equal(t, "ran 5", msgs[6].Content)
	require.True(t, *msgs[6].Confirmed)
	require.Equal(t, "y", msgs[7].Content)
	require.Equal(t, "Finished.", msgs[8].Content)

	reqs := h.llm.Requests()
	last := reqs[len(reqs)-1]
	require.Contains(t, last.Messages[0].Content, "(Step 2)")
	require.Contains(t, last.Messages[0].Content, "ran 5")
}

func TestPlanRequireUserDeclineAbandonsPlan(t *testing.T) {
	h := newHarness(t, WithConfirmationPolicy(PolicyRequireUser))
	h.llm.Push(
		intent(IntentComplexTask, ""),
		scripted.JSON(twoSteps),
		stepMessage(addStep, "First I add the numbers.", false),
		stepMessage(shellStep, "Now I run the command.", false),
	)
	require.NoError(t, h.send(t, "add and run"))
	require.NoError(t, h.send(t, "n"))

	require.Empty(t, h.spy.calls())
	msgs := h.messages(t)
	require.Len(t, msgs, 8)
	require.Equal(t, CancelledNotice, msgs[6].Content)
	require.False(t, *msgs[6].Confirmed)
	require.Zero(t, h.llm.Remaining())
}

func TestInvalidPlanAbortsTurn(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(
		intent(IntentComplexTask, ""),
		scripted.JSON(plan.Plan{Steps: []plan.Step{{StepID: 2, Thought: "skip ahead"}}}),
	)

	err := h.send(t, "do something big")
	require.Error(t, err)
	require.Equal(t, CodePlanFailed, xerrors.CodeOf(err))
	require.Len(t, h.messages(t), 1)

	kinds := h.publisher.kinds()
	require.Equal(t, events.KindTurnFailed, kinds[len(kinds)-1])
}

func TestPlanWithUnknownToolIsRejected(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(
		intent(IntentComplexTask, ""),
		scripted.JSON(plan.Plan{Steps: []plan.Step{{StepID: 1, Thought: "x", ToolType: "teleport"}}}),
	)
	err := h.send(t, "go")
	require.Equal(t, CodePlanFailed, xerrors.CodeOf(err))
}

func TestReasoningFailureMidPlanKeepsProgress(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(
		intent(IntentComplexTask, ""),
		scripted.JSON(twoSteps),
		stepMessage(addStep, "First I add the numbers.", false),
		scripted.Fail(errors.New("upstream 503")),
	)

	err := h.send(t, "add and run")
	require.Error(t, err)
	require.Equal(t, xerrors.CodeReasoningFailure, xerrors.CodeOf(err))

	msgs := h.messages(t)
	require.Len(t, msgs, 5)
	require.Equal(t, "5", msgs[4].Content)
}

func TestPureReasoningStepFeedsPlaceholders(t *testing.T) {
	h := newHarness(t)
	think := plan.Step{StepID: 1, Thought: "7"}
	calc := plan.Step{StepID: 2, Thought: "double it", ToolType: calculator.Name, ToolInput: `{"expression":"$step_1_output * 2"}`}
	h.llm.Push(
		intent(IntentComplexTask, ""),
		scripted.JSON(plan.Plan{Steps: []plan.Step{think, calc}}),
		stepMessage(think, "Thinking.", false),
		stepMessage(calc, "Calculating.", false),
		stepMessage(plan.Step{}, "14", true),
	)

	require.NoError(t, h.send(t, "double seven"))
	msgs := h.messages(t)
	var toolOutputs []string
	for _, m := range msgs {
		if m.Type == conversation.TypeTool {
			toolOutputs = append(toolOutputs, m.Content)
		}
	}
	require.Equal(t, []string{"14"}, toolOutputs, "reasoning-only steps append no tool message")
}

func TestMaxPlanIterationsStopsRunawayPlans(t *testing.T) {
	h := newHarness(t, WithMaxPlanIterations(3))
	h.llm.Push(
		intent(IntentComplexTask, ""),
		scripted.JSON(plan.Plan{Steps: []plan.Step{addStep}}),
	)
	h.llm.Otherwise(stepMessage(addStep, "again", false))

	err := h.send(t, "loop forever")
	require.Error(t, err)
	require.Equal(t, CodePlanFailed, xerrors.CodeOf(err))
	require.Contains(t, err.Error(), "3")
}

func TestSimpleToolSelectionFailureFallsBackToPlan(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(
		intent(IntentSimpleTool, calculator.Name),
		selection("abacus", `{}`),
		scripted.JSON(plan.Plan{Steps: []plan.Step{addStep}}),
		stepMessage(addStep, "Adding.", false),
		stepMessage(plan.Step{}, "It is 5.", true),
	)

	require.NoError(t, h.send(t, "what is 2+3"))
	msgs := h.messages(t)
	require.Equal(t, conversation.TypePlan, msgs[1].Type)
	require.Equal(t, "It is 5.", msgs[len(msgs)-1].Content)
}

func TestSimpleToolInvalidInputIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(
		intent(IntentSimpleTool, calculator.Name),
		selection(calculator.Name, `{"expr":"1+1"}`),
	)
	require.NoError(t, h.send(t, "calc"))
	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	require.True(t, strings.HasPrefix(msgs[1].Content, "Invalid input for calculator:"))
	require.False(t, msgs[1].PendingConfirmation)
}

func TestPendingMessagesStayOutOfContext(t *testing.T) {
	h := newHarness(t)
	h.llm.Push(
		intent(IntentSimpleTool, "shell_command"),
		selection("shell_command", `{"text":"secret-preview-marker"}`),
	)
	require.NoError(t, h.send(t, "run it"))

	h.llm.Push(intent(IntentConversational, ""), scripted.Text("ok"))
	require.NoError(t, h.send(t, "never mind, how are you?"))

	reqs := h.llm.Requests()
	for _, req := range reqs[2:] {
		for _, m := range req.Messages {
			require.NotContains(t, m.Content, "secret-preview-marker")
		}
	}
}

func TestLLMTimeoutMapsToTimeoutCode(t *testing.T) {
	slow := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	store := conversation.NewMemoryStore()
	engine := New(slow, tools.NewRegistry(nil).MustRegister(calculator.New()), store,
		WithLLMTimeout(10*time.Millisecond))
	conv, err := conversation.Create(context.Background(), store, "slow")
	require.NoError(t, err)

	err = engine.ProcessUserRequest(context.Background(), conv.ID, "hi")
	require.Error(t, err)
	require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestParseConfirmationPolicy(t *testing.T) {
	p, err := ParseConfirmationPolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicyAutoApprove, p)
	p, err = ParseConfirmationPolicy(" Require_User ")
	require.NoError(t, err)
	require.Equal(t, PolicyRequireUser, p)
	_, err = ParseConfirmationPolicy("sometimes")
	require.Error(t, err)
}

func TestTurnObserverSeesRoute(t *testing.T) {
	var route Route
	h := newHarness(t, WithTurnObserver(func(r Route, _ time.Duration, _ error) { route = r }))
	h.llm.Push(intent(IntentSimpleTool, calculator.Name), selection(calculator.Name, `{"expression":"1"}`))
	require.NoError(t, h.send(t, "1"))
	require.Equal(t, RouteSimpleTool, route)
}
