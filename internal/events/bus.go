package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"Agent-Sandbox/pkg/logger"
)

// ErrBusClosed 表示总线已关闭。
var ErrBusClosed = errors.New("事件总线已关闭")

// Bus 是有界的 FIFO 事件总线。Publish 在缓冲区满时阻塞，
// Run 是唯一的消费者，按入队顺序把事件依次交给 Fanout 中的每个 Sink。
type Bus struct {
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	fanout *Fanout
	log    *slog.Logger
}

// NewBus 创建事件总线，capacity 小于等于 0 时使用 256。
func NewBus(capacity int, sinks ...Sink) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		ch:     make(chan Event, capacity),
		done:   make(chan struct{}),
		fanout: NewFanout(sinks...),
		log:    logger.Named("events"),
	}
}

// Fanout 返回总线的派发目标集合，可在运行时增删 Sink。
func (b *Bus) Fanout() *Fanout { return b.fanout }

// Publish 将事件入队。
func (b *Bus) Publish(ctx context.Context, event Event) error {
	event.stamp()
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	select {
	case b.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBusClosed
	}
}

// Run 消费事件直到 ctx 取消或总线关闭。关闭时会先派发已入队的事件。
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			b.drain(ctx)
			return nil
		case event := <-b.ch:
			b.dispatch(ctx, event)
		}
	}
}

func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case event := <-b.ch:
			b.dispatch(ctx, event)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event Event) {
	if err := b.fanout.Handle(ctx, event); err != nil {
		b.log.Warn("事件派发失败",
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)),
			slog.Int64("conversation_id", event.ConversationID),
			slog.Any("error", err),
		)
	}
}

// Close 停止接收新事件。
func (b *Bus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

var _ Publisher = (*Bus)(nil)
