package turn

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	xerrors "Agent-Sandbox/internal/errors"
	"Agent-Sandbox/internal/observability/alerting"
	"Agent-Sandbox/pkg/logger"
)

// Executor 是处理器所需的引擎能力。
type Executor interface {
	ProcessUserRequest(ctx context.Context, conversationID int64, text string) error
}

// Processor 从队列消费作业并交给引擎执行。
//
// 队列由单个协程按顺序读取，作业按会话放入各自的 FIFO 通道（lane），每个通道同一时刻
// 只执行一个作业，因此同一会话的轮次严格按提交顺序执行；不同会话之间最多 workerCount
// 个作业并行。工具调用有副作用，失败的作业不会自动重试。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	workers *semaphore.Weighted
	backlog *semaphore.Weighted

	mu    sync.Mutex
	lanes map[int64][]string
	wg    sync.WaitGroup
}

// backlogPerWorker 限制已出队但尚未执行的作业数量。
const backlogPerWorker = 64

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		lanes:       make(map[int64][]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("turn")
	}
	p.workers = semaphore.NewWeighted(int64(p.workerCount))
	p.backlog = semaphore.NewWeighted(int64(p.workerCount) * backlogPerWorker)
	return p
}

// Start 启动作业处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	p.logger.Info("作业处理器启动", slog.Int("workers", p.workerCount))
	err := p.consumer.Consume(ctx, 1, p.dispatch)
	p.wg.Wait()
	return err
}

// dispatch 按出队顺序把作业追加到所属会话的通道，通道空闲时启动一个消费协程。
func (p *Processor) dispatch(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("读取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}
	if job.Status != StatusPending {
		p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("status", string(job.Status)))
		return nil
	}
	if err := p.backlog.Acquire(ctx, 1); err != nil {
		return err
	}

	p.mu.Lock()
	queued, active := p.lanes[job.ConversationID]
	p.lanes[job.ConversationID] = append(queued, job.ID)
	p.mu.Unlock()

	if !active {
		p.wg.Add(1)
		go p.drain(ctx, job.ConversationID)
	}
	return nil
}

// drain 依次执行一个会话通道里的作业，通道清空后退出。
func (p *Processor) drain(ctx context.Context, conversationID int64) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		queued := p.lanes[conversationID]
		if len(queued) == 0 {
			delete(p.lanes, conversationID)
			p.mu.Unlock()
			return
		}
		jobID := queued[0]
		p.lanes[conversationID] = queued[1:]
		p.mu.Unlock()

		p.run(ctx, jobID)
	}
}

func (p *Processor) run(ctx context.Context, jobID string) {
	defer p.backlog.Release(1)
	if err := p.workers.Acquire(ctx, 1); err != nil {
		p.logger.Warn("处理器停止，作业保持待处理状态", slog.String("job_id", jobID))
		return
	}
	defer p.workers.Release(1)
	_ = p.handle(ctx, jobID)
}

// pendingLanes 返回仍有作业或正在执行的会话通道数量。
func (p *Processor) pendingLanes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// handle 领取并执行单个作业。
func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	start := time.Now()
	execErr := p.executor.ProcessUserRequest(ctx, job.ConversationID, job.Text)

	if execErr != nil {
		return p.handleFailure(ctx, job, execErr)
	}
	if err := p.store.MarkSucceeded(ctx, job.ID); err != nil {
		p.logger.Error("标记作业成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return nil
	}
	logger.Audit().Info("作业执行成功",
		slog.String("job_id", job.ID),
		slog.Int64("conversation_id", job.ConversationID),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	if err := p.store.MarkFailed(ctx, job.ID, string(code), execErr.Error()); err != nil {
		p.logger.Error("标记作业失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
	}
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", job.ID),
		slog.Int64("conversation_id", job.ConversationID),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
	)
	if xerrors.AttributesFor(execErr, code).Alert {
		p.emitAlert(ctx, job, code, execErr, "execute")
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesFor(cause, code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:           code,
		Message:        message,
		Severity:       attrs.Severity,
		JobID:          job.ID,
		ConversationID: job.ConversationID,
		Stage:          stage,
		OccurredAt:     time.Now(),
	}
	if e, ok := xerrors.From(cause); ok {
		event.Metadata = e.Metadata()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
