package agent

import (
	"context"
	"log/slog"

	"Agent-Sandbox/internal/conversation"
	"Agent-Sandbox/internal/llm"
	"Agent-Sandbox/pkg/logger"
)

// IntentType 是用户请求的分类。
type IntentType string

const (
	IntentConversational IntentType = "conversational"
	IntentSimpleTool     IntentType = "simple_tool"
	IntentComplexTask    IntentType = "complex_task"
)

// IntentClassification 是意图分类的结构化结果。
type IntentClassification struct {
	IntentType            IntentType `json:"intent_type" jsonschema:"enum=conversational,enum=simple_tool,enum=complex_task,description=The classified intent type of the user's request" validate:"required,oneof=conversational simple_tool complex_task"`
	Reasoning             string     `json:"reasoning" jsonschema:"description=Brief explanation of why this intent was chosen"`
	SuggestedTool         string     `json:"suggested_tool,omitempty" jsonschema:"description=For simple_tool intents the suggested tool to use"`
	RequiresClarification bool       `json:"requires_clarification" jsonschema:"description=Whether the request needs clarification before proceeding"`
	ClarificationQuestion string     `json:"clarification_question,omitempty" jsonschema:"description=If clarification is needed the question to ask the user"`
}

func fallbackIntent() IntentClassification {
	return IntentClassification{
		IntentType: IntentConversational,
		Reasoning:  "Error during classification, defaulting to conversational mode",
	}
}

// Classify 判断请求应直接回复、调用单个工具还是生成计划。
// conv 中最后一条消息应为当前用户消息，它不会计入历史上下文。
// 任何失败都会降级为 conversational，保证本轮一定有回复。
func (e *Engine) Classify(ctx context.Context, conv *conversation.Conversation, userMessage string) IntentClassification {
	log := logger.FromContext(ctx, e.log)
	catalogue, err := e.registry.DescribeTools()
	if err != nil {
		log.Warn("生成工具目录失败", slog.Any("error", err))
		catalogue = "[]"
	}
	history := renderHistory(conv.RecentContext(e.historyWindow, false, true))

	resp, err := e.complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: classifierSystemPrompt},
			{Role: llm.RoleUser, Content: classifierPrompt(catalogue, history, userMessage)},
		},
		Temperature: 0.1,
		Schema:      &llm.Schema{Name: "intent_classification", Value: IntentClassification{}},
	})
	if err != nil {
		log.Warn("意图分类失败，降级为直接对话", slog.Any("error", err))
		return fallbackIntent()
	}
	var intent IntentClassification
	if err := llm.DecodeStructured(resp.Content, &intent); err != nil {
		log.Warn("意图分类结果无效，降级为直接对话", slog.Any("error", err))
		return fallbackIntent()
	}
	log.Info("意图分类完成",
		slog.String("intent", string(intent.IntentType)),
		slog.String("suggested_tool", intent.SuggestedTool),
		slog.Bool("requires_clarification", intent.RequiresClarification),
	)
	return intent
}
