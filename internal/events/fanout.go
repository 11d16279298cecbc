package events

import (
	"context"
	"errors"
	"sync"
)

// Fanout 按注册顺序把事件交给多个 Sink，单个 Sink 失败不影响其余 Sink。
type Fanout struct {
	mu     sync.RWMutex
	nextID int
	sinks  []entry
}

type entry struct {
	id   int
	sink Sink
}

// NewFanout 创建 Fanout，忽略 nil。
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add 注册 Sink 并返回注销函数。
func (f *Fanout) Add(sink Sink) (remove func()) {
	if sink == nil {
		return func() {}
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.sinks = append(f.sinks, entry{id: id, sink: sink})
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, e := range f.sinks {
			if e.id == id {
				f.sinks = append(f.sinks[:i:i], f.sinks[i+1:]...)
				return
			}
		}
	}
}

// Len 返回当前 Sink 数量。
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// Handle 实现 Sink。
func (f *Fanout) Handle(ctx context.Context, event Event) error {
	f.mu.RLock()
	sinks := make([]entry, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	var errs []error
	for _, e := range sinks {
		if err := e.sink.Handle(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Sink = (*Fanout)(nil)
