package agent

import (
	"context"
	"log/slog"
	"strings"

	"Agent-Sandbox/internal/conversation"
	"Agent-Sandbox/internal/llm"
	"Agent-Sandbox/internal/tools"
	"Agent-Sandbox/pkg/logger"
)

// ToolSelection 是单工具请求中推理服务选定的调用。
type ToolSelection struct {
	ToolType  string `json:"tool_type" jsonschema:"description=Exact name of the tool to run" validate:"required"`
	ToolInput string `json:"tool_input" jsonschema:"description=JSON object matching the tool input schema, encoded as a string"`
	Reasoning string `json:"reasoning,omitempty" jsonschema:"description=Why this tool and input were chosen"`
}

// handleSimpleTool 选择并执行单个工具。选择失败时退回复杂任务分支。
// 需要确认的工具只追加预览消息并写入确认邮箱，等待下一轮 yes/no。
func (e *Engine) handleSimpleTool(ctx context.Context, conv *conversation.Conversation, userMessage, suggested string) (Route, error) {
	log := logger.FromContext(ctx, e.log)
	selection, usage, err := e.selectTool(ctx, userMessage, suggested)
	if err != nil {
		log.Warn("单工具选择失败，改为生成计划", slog.Any("error", err))
		return RouteComplexTask, e.handleComplexTask(ctx, conv, userMessage)
	}

	result, needsConfirmation, err := e.execute(ctx, selection.ToolType, selection.ToolInput, false)
	if err != nil {
		return RouteSimpleTool, err
	}
	msg := conversation.Message{
		Content:             result,
		Role:                conversation.RoleAssistant,
		Type:                conversation.TypeTool,
		PendingConfirmation: needsConfirmation,
		InputTokens:         usage.PromptTokens,
		OutputTokens:        usage.CompletionTokens,
	}
	held, err := e.appendMessage(ctx, conv, msg)
	if err != nil {
		return RouteSimpleTool, err
	}
	if needsConfirmation {
		if err := e.registry.StorePendingConfirmation(ctx, conv.ID, tools.PendingConfirmation{
			ToolType:  selection.ToolType,
			RawInput:  selection.ToolInput,
			MessageID: held.ID,
		}); err != nil {
			return RouteSimpleTool, err
		}
	}
	return RouteSimpleTool, nil
}

func (e *Engine) selectTool(ctx context.Context, userMessage, suggested string) (*ToolSelection, llm.Usage, error) {
	catalogue, err := e.registry.DescribeTools()
	if err != nil {
		return nil, llm.Usage{}, err
	}
	resp, err := e.complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: e.systemPrompt},
			{Role: llm.RoleUser, Content: toolSelectionPrompt(catalogue, userMessage, suggested)},
		},
		Temperature: 0.1,
		Schema:      &llm.Schema{Name: "tool_selection", Value: ToolSelection{}},
	})
	if err != nil {
		return nil, llm.Usage{}, err
	}
	var selection ToolSelection
	if err := llm.DecodeStructured(resp.Content, &selection); err != nil {
		return nil, resp.Usage, err
	}
	selection.ToolType = strings.TrimSpace(selection.ToolType)
	if !e.registry.Has(selection.ToolType) {
		return nil, resp.Usage, tools.ErrUnknownTool
	}
	return &selection, resp.Usage, nil
}
