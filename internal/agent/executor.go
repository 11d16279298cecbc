package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"Agent-Sandbox/internal/conversation"
	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/llm"
	"Agent-Sandbox/internal/plan"
	"Agent-Sandbox/internal/tools"
	"Agent-Sandbox/pkg/logger"
)

// planState 是一次计划执行的可恢复状态。
type planState struct {
	plan      *plan.Plan
	outputs   map[string]string
	iteration int
}

func (s *planState) checkpoint(step plan.Step) *tools.PlanCheckpoint {
	outputs := make(map[string]string, len(s.outputs))
	for k, v := range s.outputs {
		outputs[k] = v
	}
	return &tools.PlanCheckpoint{Plan: *s.plan, Step: step, Outputs: outputs, Iteration: s.iteration}
}

func stateFromCheckpoint(cp *tools.PlanCheckpoint) *planState {
	p := cp.Plan
	outputs := make(map[string]string, len(cp.Outputs)+1)
	for k, v := range cp.Outputs {
		outputs[k] = v
	}
	return &planState{plan: &p, outputs: outputs, iteration: cp.Iteration}
}

// ExecutePlan 严格按顺序执行计划：先把整个计划交给推理服务取得第一步，
// 之后每一步执行工具、记录输出、再请求下一步，直到 plan_complete。
// 推理服务失败会中止本轮，已持久化的进度保留。
func (e *Engine) ExecutePlan(ctx context.Context, conv *conversation.Conversation, p *plan.Plan) error {
	ctx, span := tracer.Start(ctx, "agent.ExecutePlan", trace.WithAttributes(
		attribute.Int("plan.steps", len(p.Steps)),
	))
	defer span.End()

	seed := seedPrompt(p)
	if _, err := e.appendMessage(ctx, conv, conversation.Message{
		Content: seed,
		Role:    conversation.RoleSystem,
		Type:    conversation.TypeText,
	}); err != nil {
		return err
	}
	current, err := e.nextStep(ctx, conv, seed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	state := &planState{plan: p, outputs: make(map[string]string)}
	if err := e.runPlan(ctx, conv, state, current); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// runPlan 驱动状态机：Executing → AwaitingToolResult → Narrating → … → Complete。
func (e *Engine) runPlan(ctx context.Context, conv *conversation.Conversation, state *planState, current plan.StepMessage) error {
	log := logger.FromContext(ctx, e.log)
	for !current.PlanComplete {
		state.iteration++
		if state.iteration > e.maxIterations {
			return xerrors.New(CodePlanFailed, fmt.Sprintf("计划在 %d 轮后仍未完成", e.maxIterations))
		}
		step := current.Step

		output, suspended, err := e.executeStep(ctx, conv, state, step)
		if err != nil {
			return err
		}
		if suspended {
			log.Info("计划暂停，等待用户确认", slog.Int("step_id", step.StepID), slog.String("tool", step.ToolType))
			return nil
		}
		if current, err = e.continuePlan(ctx, conv, state, step, output); err != nil {
			return err
		}
	}
	log.Info("计划执行完成", slog.Int("iterations", state.iteration))
	return nil
}

// executeStep 执行单个步骤并记录输出。suspended 为 true 表示步骤在等待用户确认。
func (e *Engine) executeStep(ctx context.Context, conv *conversation.Conversation, state *planState, step plan.Step) (output string, suspended bool, err error) {
	ctx, span := tracer.Start(ctx, "agent.PlanStep", trace.WithAttributes(
		attribute.Int("step.id", step.StepID),
		attribute.String("step.tool", step.ToolType),
	))
	defer span.End()

	if !step.HasTool() {
		state.outputs[step.OutputKey()] = step.Thought
		return step.Thought, false, nil
	}

	input := plan.SubstituteJSON(step.ToolInput, state.outputs)
	result, needsConfirmation, err := e.execute(ctx, step.ToolType, input, false)
	if err != nil {
		return "", false, err
	}

	if needsConfirmation {
		switch e.policy {
		case PolicyRequireUser:
			held, err := e.appendMessage(ctx, conv, conversation.Message{
				Content:             result,
				Role:                conversation.RoleAssistant,
				Type:                conversation.TypeTool,
				PendingConfirmation: true,
			})
			if err != nil {
				return "", false, err
			}
			if err := e.registry.StorePendingConfirmation(ctx, conv.ID, tools.PendingConfirmation{
				ToolType:  step.ToolType,
				RawInput:  input,
				MessageID: held.ID,
				Plan:      state.checkpoint(step),
			}); err != nil {
				return "", false, err
			}
			span.SetAttributes(attribute.Bool("step.suspended", true))
			return "", true, nil
		default:
			logger.FromContext(ctx, e.log).Warn("计划步骤需要确认，按 auto_approve 策略自动确认",
				slog.Int("step_id", step.StepID), slog.String("tool", step.ToolType))
			logger.FromContext(ctx, logger.Audit()).Warn("工具调用被自动确认",
				slog.String("tool", step.ToolType),
				slog.String("policy", string(PolicyAutoApprove)),
				slog.Int("step_id", step.StepID),
			)
			if result, _, err = e.execute(ctx, step.ToolType, input, true); err != nil {
				return "", false, err
			}
		}
	}

	state.outputs[step.OutputKey()] = result
	if _, err := e.appendMessage(ctx, conv, conversation.Message{
		Content: result,
		Role:    conversation.RoleAssistant,
		Type:    conversation.TypeTool,
	}); err != nil {
		return "", false, err
	}
	return result, false, nil
}

// execute 调用注册表；未注册的工具转换为文本结果，使计划可以继续。
func (e *Engine) execute(ctx context.Context, toolType, input string, confirmed bool) (string, bool, error) {
	result, needs, err := e.registry.Execute(ctx, toolType, input, confirmed)
	if err != nil {
		if stdErrors.Is(err, tools.ErrUnknownTool) {
			return fmt.Sprintf("Error: tool %q is not available", toolType), false, nil
		}
		return "", false, err
	}
	return result, needs, nil
}

// continuePlan 把步骤输出交给推理服务并取得下一步。
func (e *Engine) continuePlan(ctx context.Context, conv *conversation.Conversation, state *planState, step plan.Step, output string) (plan.StepMessage, error) {
	return e.nextStep(ctx, conv, followupPrompt(state.plan, step.StepID, output))
}

// nextStep 请求下一个 StepMessage，并把旁白作为助手消息持久化。
func (e *Engine) nextStep(ctx context.Context, conv *conversation.Conversation, prompt string) (plan.StepMessage, error) {
	var next plan.StepMessage
	resp, err := e.complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.2,
		Schema:      &llm.Schema{Name: "step_message", Value: plan.StepMessage{}},
	})
	if err != nil {
		return next, err
	}
	if err := llm.DecodeStructured(resp.Content, &next); err != nil {
		return next, err
	}
	_, err = e.appendMessage(ctx, conv, conversation.Message{
		Content:      next.Message,
		Role:         conversation.RoleAssistant,
		Type:         conversation.TypeText,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	})
	return next, err
}
