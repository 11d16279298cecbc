package conversation

import (
	"context"
	"sort"
	"sync"

	xerrors "Agent-Sandbox/internal/errors"
)

// MemoryStore 以内存方式保存会话，主要用于测试。
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[int64]*Conversation
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[int64]*Conversation)}
}

// Load 返回会话副本。
func (m *MemoryStore) Load(_ context.Context, id int64) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv.Clone(), nil
}

// Save 保存会话副本。
func (m *MemoryStore) Save(_ context.Context, conv *Conversation) error {
	if conv == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "conversation 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// NextID 返回当前最大 ID 加一。
func (m *MemoryStore) NextID(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for id := range m.conversations {
		if id > max {
			max = id
		}
	}
	return max + 1, nil
}

// List 按 ID 升序返回会话摘要。
func (m *MemoryStore) List(_ context.Context) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.conversations))
	for _, conv := range m.conversations {
		out = append(out, conv.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete 删除会话。
func (m *MemoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return ErrConversationNotFound
	}
	delete(m.conversations, id)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
