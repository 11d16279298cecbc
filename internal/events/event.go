// Package events 把引擎产生的会话变更按发生顺序推送给外部观察者。
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"Agent-Sandbox/internal/conversation"
)

// Kind 表示事件类型。
type Kind string

const (
	KindMessageAppended Kind = "message.appended"
	KindMessageUpdated  Kind = "message.updated"
	KindTurnCompleted   Kind = "turn.completed"
	KindTurnFailed      Kind = "turn.failed"
)

// Event 是一次会话变更通知。Message 为变更后消息的快照。
type Event struct {
	ID             string                `json:"id"`
	ConversationID int64                 `json:"conversation_id"`
	TurnID         string                `json:"turn_id,omitempty"`
	Kind           Kind                  `json:"kind"`
	Message        *conversation.Message `json:"message,omitempty"`
	Text           string                `json:"text,omitempty"`
	OccurredAt     time.Time             `json:"occurred_at"`
}

// MessageEvent 构造携带消息快照的事件。
func MessageEvent(kind Kind, conversationID int64, msg conversation.Message) Event {
	snapshot := msg.Clone()
	return Event{
		ConversationID: conversationID,
		TurnID:         msg.TurnID,
		Kind:           kind,
		Message:        &snapshot,
	}
}

func (e *Event) stamp() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
}

// Sink 接收总线派发的事件。
type Sink interface {
	Handle(ctx context.Context, event Event) error
}

// SinkFunc 把普通函数适配为 Sink。
type SinkFunc func(ctx context.Context, event Event) error

// Handle 实现 Sink。
func (f SinkFunc) Handle(ctx context.Context, event Event) error { return f(ctx, event) }

// Publisher 是引擎依赖的最小发布能力。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Discard 丢弃所有事件。
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
