package llm

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	xerrors "Agent-Sandbox/internal/errors"
)

// Observer 接收每次调用的耗时与结果，用于指标采集。
type Observer func(operation string, elapsed time.Duration, err error)

// Pool 限制同时在途的推理调用数量。调用方会阻塞直到拿到名额并得到结果。
type Pool struct {
	inner    Client
	sem      *semaphore.Weighted
	timeout  time.Duration
	observer Observer
}

// PoolOption 定义 Pool 的可选配置。
type PoolOption func(*Pool)

// WithCallTimeout 为单次调用设置截止时间。0 表示不限制。
func WithCallTimeout(timeout time.Duration) PoolOption {
	return func(p *Pool) {
		p.timeout = timeout
	}
}

// WithObserver 注册调用观察者。
func WithObserver(observer Observer) PoolOption {
	return func(p *Pool) {
		p.observer = observer
	}
}

// NewPool 包装 inner，最多允许 workers 个并发调用。
func NewPool(inner Client, workers int, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = 4
	}
	p := &Pool{inner: inner, sem: semaphore.NewWeighted(int64(workers))}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Complete 实现 Client。
func (p *Pool) Complete(ctx context.Context, req Request) (*Response, error) {
	if p.inner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "推理服务未配置")
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待推理工作池超时")
	}
	defer p.sem.Release(1)

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.inner.Complete(callCtx, req)
	if p.observer != nil {
		operation := "text"
		if req.Schema != nil && req.Schema.Name != "" {
			operation = req.Schema.Name
		}
		p.observer(operation, time.Since(start), err)
	}
	return resp, err
}

var _ Client = (*Pool)(nil)
