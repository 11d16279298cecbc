package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mailbox 是按会话划分的单槽确认邮箱。Put 覆盖旧值，Take 读取并删除。
type Mailbox interface {
	Put(ctx context.Context, conversationID int64, pending PendingConfirmation) error
	Take(ctx context.Context, conversationID int64) (*PendingConfirmation, error)
	Close() error
}

// MemoryMailbox 是进程内的邮箱实现。
type MemoryMailbox struct {
	mu    sync.Mutex
	slots map[int64]PendingConfirmation
}

// NewMemoryMailbox 创建内存邮箱。
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{slots: make(map[int64]PendingConfirmation)}
}

// Put 实现 Mailbox。
func (m *MemoryMailbox) Put(_ context.Context, conversationID int64, pending PendingConfirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[conversationID] = clonePending(pending)
	return nil
}

// Take 实现 Mailbox。
func (m *MemoryMailbox) Take(_ context.Context, conversationID int64) (*PendingConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, ok := m.slots[conversationID]
	if !ok {
		return nil, nil
	}
	delete(m.slots, conversationID)
	return &pending, nil
}

// Close 清空邮箱。
func (m *MemoryMailbox) Close() error {
	m.mu.Lock()
	m.slots = make(map[int64]PendingConfirmation)
	m.mu.Unlock()
	return nil
}

func clonePending(p PendingConfirmation) PendingConfirmation {
	if p.Plan == nil {
		return p
	}
	cp := *p.Plan
	cp.Plan.Steps = append(cp.Plan.Steps[:0:0], p.Plan.Plan.Steps...)
	cp.Outputs = make(map[string]string, len(p.Plan.Outputs))
	for k, v := range p.Plan.Outputs {
		cp.Outputs[k] = v
	}
	p.Plan = &cp
	return p
}

// RedisMailboxConfig 描述 Redis 邮箱的连接参数。
type RedisMailboxConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisMailbox 将待确认调用保存在 Redis 中，使多个 agentd 实例共享确认状态。
type RedisMailbox struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMailbox 创建 Redis 邮箱并检查连通性。
func NewRedisMailbox(ctx context.Context, cfg RedisMailboxConfig) (*RedisMailbox, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisMailbox(client, cfg.Prefix, cfg.TTL), nil
}

func newRedisMailbox(client *redis.Client, prefix string, ttl time.Duration) *RedisMailbox {
	if prefix == "" {
		prefix = "agentd:pending:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMailbox{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMailbox) key(conversationID int64) string {
	return m.prefix + strconv.FormatInt(conversationID, 10)
}

// Put 实现 Mailbox。
func (m *RedisMailbox) Put(ctx context.Context, conversationID int64, pending PendingConfirmation) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("序列化待确认调用失败: %w", err)
	}
	if err := m.client.Set(ctx, m.key(conversationID), payload, m.ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入待确认调用失败: %w", err)
	}
	return nil
}

// Take 使用 GETDEL 原子地读取并删除。
func (m *RedisMailbox) Take(ctx context.Context, conversationID int64) (*PendingConfirmation, error) {
	payload, err := m.client.GetDel(ctx, m.key(conversationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("Redis 读取待确认调用失败: %w", err)
	}
	var pending PendingConfirmation
	if err := json.Unmarshal(payload, &pending); err != nil {
		return nil, fmt.Errorf("解析待确认调用失败: %w", err)
	}
	return &pending, nil
}

// Close 关闭 Redis 连接。
func (m *RedisMailbox) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

var (
	_ Mailbox = (*MemoryMailbox)(nil)
	_ Mailbox = (*RedisMailbox)(nil)
)
