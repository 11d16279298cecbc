package tools

import (
	"context"
	"time"

	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/plan"
)

// Tool 是可被智能体调用的本地工具。
//
// NewInput 返回指向输入结构体零值的指针，注册表据此反射 JSON Schema、
// 解析并校验原始输入；Preview 与 Run 收到的就是这个已填充的指针。
type Tool interface {
	Name() string
	Description() string
	NewInput() any
	RequiresConfirmation() bool
	Preview(input any) string
	Run(ctx context.Context, input any) (string, error)
}

// PlanCheckpoint 保存因等待确认而暂停的计划执行状态。
type PlanCheckpoint struct {
	Plan      plan.Plan         `json:"plan"`
	Step      plan.Step         `json:"step"`
	Outputs   map[string]string `json:"outputs"`
	Iteration int               `json:"iteration"`
}

// PendingConfirmation 是等待用户确认的工具调用。
type PendingConfirmation struct {
	ToolType  string          `json:"tool_type"`
	RawInput  string          `json:"raw_input"`
	MessageID int             `json:"message_id"`
	Plan      *PlanCheckpoint `json:"plan,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	CodeUnknownTool xerrors.Code = "UNKNOWN_TOOL"
	CodeMailbox     xerrors.Code = "CONFIRMATION_MAILBOX_FAILURE"
)

// ErrUnknownTool 表示请求的工具未注册。
var ErrUnknownTool = xerrors.New(CodeUnknownTool, "unknown tool")

func init() {
	xerrors.Register(CodeUnknownTool, xerrors.Attributes{
		Message:    "unknown tool",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeMailbox, xerrors.Attributes{
		Message:    "confirmation mailbox failure",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: 503,
	})
}
