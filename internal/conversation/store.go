package conversation

import (
	"context"
	"strings"

	xerrors "Agent-Sandbox/internal/errors"
)

const (
	CodeConversationNotFound xerrors.Code = "CONVERSATION_NOT_FOUND"
	CodeUnsupportedDriver    xerrors.Code = "UNSUPPORTED_STORE_DRIVER"
)

// ErrConversationNotFound 表示会话不存在。
var ErrConversationNotFound = xerrors.New(CodeConversationNotFound, "conversation not found")

func init() {
	xerrors.Register(CodeConversationNotFound, xerrors.Attributes{
		Message:    "conversation not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeUnsupportedDriver, xerrors.Attributes{
		Message:    "unsupported conversation store driver",
		Severity:   xerrors.SeverityCritical,
		HTTPStatus: 500,
	})
}

// Store 抽象会话状态的持久化。实现必须保证 Save 后 Load 得到相同的消息顺序与 ID。
type Store interface {
	Load(ctx context.Context, id int64) (*Conversation, error)
	Save(ctx context.Context, conv *Conversation) error
	NextID(ctx context.Context) (int64, error)
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, id int64) error
	Close() error
}

// Create 分配新 ID 并保存一个空会话。
func Create(ctx context.Context, store Store, title string) (*Conversation, error) {
	id, err := store.NextID(ctx)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	conv := New(id, title)
	if err := store.Save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}
