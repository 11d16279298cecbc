package events

import (
	"context"
	"errors"
	"sync"
)

// ErrSubscriberFull 表示订阅者缓冲区已满且事件被丢弃。
var ErrSubscriberFull = errors.New("订阅者缓冲区已满，事件被丢弃")

// ChannelSink 把事件转发到一个带缓冲的 channel，供终端与 websocket 订阅者读取。
type ChannelSink struct {
	mu           sync.Mutex
	ch           chan Event
	closed       bool
	filter       func(Event) bool
	dropWhenFull bool
}

// ChannelOption 定义 ChannelSink 的可选配置。
type ChannelOption func(*ChannelSink)

// ForConversation 只接收指定会话的事件。
func ForConversation(id int64) ChannelOption {
	return func(s *ChannelSink) {
		s.filter = func(e Event) bool { return e.ConversationID == id }
	}
}

// DropWhenFull 在缓冲区满时丢弃新事件而不是阻塞总线。
func DropWhenFull() ChannelOption {
	return func(s *ChannelSink) { s.dropWhenFull = true }
}

// NewChannelSink 创建订阅者。
func NewChannelSink(buffer int, opts ...ChannelOption) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	s := &ChannelSink{ch: make(chan Event, buffer)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Events 返回只读事件流，Close 后关闭。
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// Handle 实现 Sink。
func (s *ChannelSink) Handle(ctx context.Context, event Event) error {
	if s.filter != nil && !s.filter(event) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.dropWhenFull {
		select {
		case s.ch <- event:
			return nil
		default:
			return ErrSubscriberFull
		}
	}
	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭事件流。
func (s *ChannelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

var _ Sink = (*ChannelSink)(nil)
