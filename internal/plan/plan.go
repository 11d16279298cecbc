// Package plan 定义多步骤任务的计划结构、校验规则以及步骤输出占位符替换。
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	xerrors "Agent-Sandbox/internal/errors"
)

// CodeInvalidPlan 表示推理服务返回的计划不满足结构约束。
const CodeInvalidPlan xerrors.Code = "INVALID_PLAN"

func init() {
	xerrors.Register(CodeInvalidPlan, xerrors.Attributes{
		Message:    "invalid plan",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: 502,
	})
}

// Step 是计划中的单个步骤。ToolType 为空表示纯推理步骤。
type Step struct {
	StepID    int    `json:"step_id" jsonschema:"description=Sequential id starting at 1"`
	Thought   string `json:"thought" jsonschema:"description=Why this step is needed"`
	ToolType  string `json:"tool_type,omitempty" jsonschema:"description=Registered tool name or empty for a reasoning-only step"`
	ToolInput string `json:"tool_input,omitempty" jsonschema:"description=JSON object matching the tool input schema. Use $step_N_output to reference earlier results"`
}

// HasTool 判断步骤是否需要调用工具。
func (s Step) HasTool() bool {
	return strings.TrimSpace(s.ToolType) != ""
}

// OutputKey 返回该步骤输出在占位符表中的键名。
func (s Step) OutputKey() string {
	return OutputKey(s.StepID)
}

// OutputKey 返回 step_<id>_output。
func OutputKey(stepID int) string {
	return fmt.Sprintf("step_%d_output", stepID)
}

// Plan 是有序的步骤列表。
type Plan struct {
	Steps []Step `json:"steps" jsonschema:"description=Ordered steps" validate:"required,min=1"`
}

// StepMessage 是执行循环中推理服务每一轮的回复。
type StepMessage struct {
	Step         Step   `json:"step" jsonschema:"description=The step to execute now"`
	Message      string `json:"message" jsonschema:"description=Narration shown to the user"`
	PlanComplete bool   `json:"plan_complete" jsonschema:"description=True once the objective is met and no further step should run"`
}

// Validate 校验计划结构：至少一个步骤，step_id 从 1 开始严格递增。
// knownTool 为 nil 时跳过工具名称检查。
func (p *Plan) Validate(knownTool func(string) bool) error {
	if p == nil || len(p.Steps) == 0 {
		return xerrors.New(CodeInvalidPlan, "计划不包含任何步骤")
	}
	if p.Steps[0].StepID != 1 {
		return xerrors.New(CodeInvalidPlan, fmt.Sprintf("第一个步骤的 step_id 必须为 1，实际为 %d", p.Steps[0].StepID))
	}
	for i := 1; i < len(p.Steps); i++ {
		if p.Steps[i].StepID <= p.Steps[i-1].StepID {
			return xerrors.New(CodeInvalidPlan, fmt.Sprintf("step_id 必须严格递增: %d 之后出现 %d", p.Steps[i-1].StepID, p.Steps[i].StepID))
		}
	}
	for _, step := range p.Steps {
		if strings.TrimSpace(step.Thought) == "" {
			return xerrors.New(CodeInvalidPlan, fmt.Sprintf("步骤 %d 缺少 thought", step.StepID))
		}
		if step.HasTool() && knownTool != nil && !knownTool(step.ToolType) {
			return xerrors.New(CodeInvalidPlan, fmt.Sprintf("步骤 %d 引用了未注册的工具 %q", step.StepID, step.ToolType))
		}
	}
	return nil
}

// StepIDs 返回按顺序排列的步骤编号。
func (p *Plan) StepIDs() []int {
	if p == nil {
		return nil
	}
	ids := make([]int, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.StepID
	}
	return ids
}

// String 以便于阅读的文本形式渲染计划，用于持久化消息内容和提示词。
func (p *Plan) String() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Plan:\n")
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s", s.StepID, s.Thought)
		if s.HasTool() {
			fmt.Fprintf(&b, " [tool: %s", s.ToolType)
			if s.ToolInput != "" {
				fmt.Fprintf(&b, ", input: %s", s.ToolInput)
			}
			b.WriteString("]")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// JSON 返回计划的 JSON 表示，序列化失败时退回文本形式。
func (p *Plan) JSON() string {
	data, err := json.Marshal(p)
	if err != nil {
		return p.String()
	}
	return string(data)
}

var placeholderPattern = regexp.MustCompile(`\$([a-zA-Z0-9_]+)`)

// Substitute 将 input 中的 $name 占位符替换为 outputs[name]。
// 找不到对应输出的占位符保持原样。
func Substitute(input string, outputs map[string]string) string {
	if input == "" || len(outputs) == 0 {
		return input
	}
	return placeholderPattern.ReplaceAllStringFunc(input, func(token string) string {
		if value, ok := outputs[token[1:]]; ok {
			return value
		}
		return token
	})
}

// SubstituteJSON 只改写 JSON 文本中含占位符的字符串值，替换值会被正确转义。
// 其余字节原样保留：键的顺序、空白和数字精度都不受影响。raw 不是合法 JSON
// 时退回纯文本替换。
func SubstituteJSON(raw string, outputs map[string]string) string {
	if len(outputs) == 0 || !placeholderPattern.MatchString(raw) {
		return raw
	}
	if !json.Valid([]byte(raw)) {
		return Substitute(raw, outputs)
	}
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); {
		if raw[i] != '"' {
			b.WriteByte(raw[i])
			i++
			continue
		}
		end := stringLiteralEnd(raw, i)
		b.WriteString(substituteLiteral(raw[i:end], isObjectKey(raw[end:]), outputs))
		i = end
	}
	return b.String()
}

func substituteLiteral(lit string, key bool, outputs map[string]string) string {
	if key || !placeholderPattern.MatchString(lit) {
		return lit
	}
	var value string
	if err := json.Unmarshal([]byte(lit), &value); err != nil {
		return lit
	}
	replaced := Substitute(value, outputs)
	if replaced == value {
		return lit
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(replaced); err != nil {
		return lit
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// stringLiteralEnd 返回 start 处字符串字面量结束引号之后的下标，调用前 raw 已通过 json.Valid。
func stringLiteralEnd(raw string, start int) int {
	for i := start + 1; i < len(raw); i++ {
		switch raw[i] {
		case '\\':
			i++
		case '"':
			return i + 1
		}
	}
	return len(raw)
}

func isObjectKey(rest string) bool {
	return strings.HasPrefix(strings.TrimLeft(rest, " \t\r\n"), ":")
}
