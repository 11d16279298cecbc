package conversation

import (
	"time"

	"Agent-Sandbox/internal/plan"
)

// Role 表示消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Type 区分消息内容的种类。
type Type string

const (
	TypeText Type = "text"
	TypePlan Type = "plan"
	TypeTool Type = "tool"
)

// Message 是会话中的一条消息。Plan 仅在 Type 为 plan 时非空，
// 此时 Content 保存计划的文本渲染。
type Message struct {
	ID                  int        `json:"id"`
	TurnID              string     `json:"turn_id,omitempty"`
	Content             string     `json:"content"`
	Plan                *plan.Plan `json:"plan,omitempty"`
	Role                Role       `json:"role"`
	Type                Type       `json:"type"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Confirmed           *bool      `json:"confirmed"`
	PendingConfirmation bool       `json:"pending_confirmation"`
	InputTokens         int        `json:"input_tokens"`
	OutputTokens        int        `json:"output_tokens"`
}

// Clone 返回消息的深拷贝。
func (m Message) Clone() Message {
	out := m
	if m.Confirmed != nil {
		v := *m.Confirmed
		out.Confirmed = &v
	}
	if m.Plan != nil {
		steps := make([]plan.Step, len(m.Plan.Steps))
		copy(steps, m.Plan.Steps)
		out.Plan = &plan.Plan{Steps: steps}
	}
	return out
}

// Conversation 是一次完整对话的持久化状态。消息只追加，ID 等于追加时的长度。
type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New 创建一个空会话。
func New(id int64, title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{ID: id, Title: title, Messages: []Message{}, CreatedAt: now, UpdatedAt: now}
}

// Append 追加消息并分配 ID，返回追加后的消息副本。
func (c *Conversation) Append(msg Message) Message {
	now := time.Now().UTC()
	msg.ID = len(c.Messages)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = msg.CreatedAt
	if msg.Type == "" {
		msg.Type = TypeText
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = now
	return msg.Clone()
}

// MessageByID 返回指向会话内消息的指针，用于原地更新。
func (c *Conversation) MessageByID(id int) (*Message, bool) {
	if id < 0 || id >= len(c.Messages) {
		return nil, false
	}
	return &c.Messages[id], true
}

// LastPending 返回最后一条等待确认的消息。
func (c *Conversation) LastPending() (*Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].PendingConfirmation {
			return &c.Messages[i], true
		}
	}
	return nil, false
}

// Touch 在原地修改消息后刷新更新时间。
func (c *Conversation) Touch(msg *Message) {
	now := time.Now().UTC()
	if msg != nil {
		msg.UpdatedAt = now
	}
	c.UpdatedAt = now
}

// TotalTokens 统计整个会话消耗的输入与输出 token。
func (c *Conversation) TotalTokens() (input, output int) {
	for _, m := range c.Messages {
		input += m.InputTokens
		output += m.OutputTokens
	}
	return input, output
}

// RecentContext 返回用于构造推理上下文的最近 n 条消息。
// 等待确认的消息永远不会出现在结果中；textOnly 为真时同时排除计划消息。
// skipLast 用于排除当前轮刚追加的用户消息。
func (c *Conversation) RecentContext(n int, textOnly, skipLast bool) []Message {
	msgs := c.Messages
	if skipLast && len(msgs) > 0 {
		msgs = msgs[:len(msgs)-1]
	}
	out := make([]Message, 0, n)
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		m := msgs[i]
		if m.PendingConfirmation {
			continue
		}
		if textOnly && m.Type == TypePlan {
			continue
		}
		out = append(out, m.Clone())
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Clone 返回会话的深拷贝。
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// Summary 是会话列表中的一项。
type Summary struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summarize 生成会话摘要。
func (c *Conversation) Summarize() Summary {
	return Summary{ID: c.ID, Title: c.Title, MessageCount: len(c.Messages), CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

// BoolPtr 返回指向 v 的指针，便于设置 Confirmed。
func BoolPtr(v bool) *bool {
	return &v
}
