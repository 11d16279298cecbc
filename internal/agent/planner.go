package agent

import (
	"context"
	"log/slog"

	"Agent-Sandbox/internal/conversation"
	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/llm"
	"Agent-Sandbox/internal/plan"
	"Agent-Sandbox/pkg/logger"
)

// CreatePlan 为目标生成计划，校验通过后作为 plan 消息持久化。
// 生成、解析或校验失败都返回 CodePlanFailed，调用方应结束本轮。
func (e *Engine) CreatePlan(ctx context.Context, conv *conversation.Conversation, objective string) (*plan.Plan, error) {
	ctx, span := tracer.Start(ctx, "agent.CreatePlan")
	defer span.End()

	catalogue, err := e.registry.DescribeTools()
	if err != nil {
		return nil, xerrors.Wrap(CodePlanFailed, err, "生成工具目录失败")
	}
	resp, err := e.complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: e.systemPrompt},
			{Role: llm.RoleUser, Content: planPrompt(catalogue, objective)},
		},
		Temperature: 0.2,
		Schema:      &llm.Schema{Name: "plan", Value: plan.Plan{}},
	})
	if err != nil {
		span.RecordError(err)
		return nil, xerrors.Wrap(CodePlanFailed, err, "生成计划失败")
	}

	var p plan.Plan
	if err := llm.DecodeStructured(resp.Content, &p); err != nil {
		span.RecordError(err)
		return nil, xerrors.Wrap(CodePlanFailed, err, "解析计划失败")
	}
	if err := p.Validate(e.registry.Has); err != nil {
		span.RecordError(err)
		return nil, xerrors.Wrap(CodePlanFailed, err, "计划未通过校验")
	}

	if _, err := e.appendMessage(ctx, conv, conversation.Message{
		Content:      p.String(),
		Plan:         &p,
		Role:         conversation.RoleAssistant,
		Type:         conversation.TypePlan,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}); err != nil {
		return nil, err
	}
	logger.FromContext(ctx, e.log).Info("计划已生成", slog.Any("steps", p.StepIDs()))
	return &p, nil
}
