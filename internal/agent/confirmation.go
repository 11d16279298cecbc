package agent

import (
	"context"
	"log/slog"
	"strings"

	"Agent-Sandbox/internal/conversation"
	"Agent-Sandbox/internal/tools"
	"Agent-Sandbox/pkg/logger"
)

// CancelledNotice 替换被用户拒绝的工具调用的预览内容。
const CancelledNotice = "Operation cancelled by user."

// parseConfirmation 识别 y/yes/n/no（忽略大小写与首尾空白）。
func parseConfirmation(text string) (approved bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	default:
		return false, false
	}
}

// resolveConfirmation 处理对待确认调用的答复。用户的答复先作为用户消息追加，
// 随后原地更新被挂起的工具消息；若调用来自被暂停的计划，同意后继续执行计划，拒绝则放弃计划。
func (e *Engine) resolveConfirmation(ctx context.Context, conv *conversation.Conversation, text string, pending *tools.PendingConfirmation) error {
	approved, _ := parseConfirmation(text)
	if _, err := e.appendMessage(ctx, conv, conversation.Message{
		Content: text,
		Role:    conversation.RoleUser,
		Type:    conversation.TypeText,
	}); err != nil {
		return err
	}

	audit := logger.FromContext(ctx, logger.Audit())
	log := logger.FromContext(ctx, e.log)

	if !approved {
		audit.Info("用户拒绝工具调用",
			slog.String("tool", pending.ToolType),
			slog.Bool("plan_abandoned", pending.Plan != nil),
		)
		return e.settleHeld(ctx, conv, pending, CancelledNotice, false)
	}

	audit.Info("用户确认工具调用", slog.String("tool", pending.ToolType))
	result, _, err := e.execute(ctx, pending.ToolType, pending.RawInput, true)
	if err != nil {
		return err
	}
	if err := e.settleHeld(ctx, conv, pending, result, true); err != nil {
		return err
	}

	if pending.Plan == nil {
		return nil
	}
	state := stateFromCheckpoint(pending.Plan)
	step := pending.Plan.Step
	state.outputs[step.OutputKey()] = result
	log.Info("恢复被暂停的计划", slog.Int("step_id", step.StepID), slog.Int("iteration", state.iteration))

	next, err := e.continuePlan(ctx, conv, state, step, result)
	if err != nil {
		return err
	}
	return e.runPlan(ctx, conv, state, next)
}

// settleHeld 原地更新被挂起的消息。记录的消息 ID 失效时改用最后一条待确认消息，
// 两者都不存在时追加一条新的工具消息，保证结果可见。
func (e *Engine) settleHeld(ctx context.Context, conv *conversation.Conversation, pending *tools.PendingConfirmation, content string, confirmed bool) error {
	log := logger.FromContext(ctx, e.log)
	target := -1
	if msg, ok := conv.MessageByID(pending.MessageID); ok && msg.PendingConfirmation {
		target = msg.ID
	} else if msg, ok := conv.LastPending(); ok {
		log.Warn("挂起消息 ID 已失效，改用最后一条待确认消息",
			slog.Int("message_id", pending.MessageID), slog.Int("fallback_id", msg.ID))
		target = msg.ID
	}
	if target < 0 {
		log.Warn("找不到被挂起的消息，改为追加", slog.Int("message_id", pending.MessageID))
		_, err := e.appendMessage(ctx, conv, conversation.Message{
			Content:   content,
			Role:      conversation.RoleAssistant,
			Type:      conversation.TypeTool,
			Confirmed: conversation.BoolPtr(confirmed),
		})
		return err
	}
	return e.updateMessage(ctx, conv, target, func(m *conversation.Message) {
		m.Content = content
		m.Confirmed = conversation.BoolPtr(confirmed)
		m.PendingConfirmation = false
	})
}
