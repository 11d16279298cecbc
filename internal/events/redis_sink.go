package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisSinkConfig 描述 Redis 事件出口。
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix 与会话 ID 拼接成频道名，例如 agentd:events:42。
	Prefix string
}

// RedisSink 通过 PUBLISH 把事件推送到按会话划分的频道。
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink 创建 Redis 事件出口并检查连通性。
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig) (*RedisSink, error) {
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
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentd:events:"
	}
	return &RedisSink{client: client, prefix: prefix}, nil
}

// Channel 返回会话对应的频道名。
func (s *RedisSink) Channel(conversationID int64) string {
	return s.prefix + strconv.FormatInt(conversationID, 10)
}

// Handle 实现 Sink。
func (s *RedisSink) Handle(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(event.ConversationID), body).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Sink = (*RedisSink)(nil)
