package turn

import "context"

// Store 抽象了作业状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将 pending 作业置为 running。已结束的作业返回 ErrJobCompleted，
	// 运行中的作业返回 ErrJobConflict。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, code string, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats 聚合了作业状态的统计信息。
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ListOptions 控制查询作业时的过滤条件。
type ListOptions struct {
	ConversationID int64
	Statuses       []Status
	Limit          int
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if len(opts.Statuses) == 0 {
		opts.Statuses = nil
		return
	}
	valid := opts.Statuses[:0:0]
	for _, status := range opts.Statuses {
		if IsValidStatus(status) {
			valid = append(valid, status)
		}
	}
	opts.Statuses = valid
}

func (opts ListOptions) matches(job *Job) bool {
	if opts.ConversationID != 0 && job.ConversationID != opts.ConversationID {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, status := range opts.Statuses {
		if job.Status == status {
			return true
		}
	}
	return false
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithConversation 只返回指定会话的作业。
func WithConversation(id int64) ListOption {
	return func(opts *ListOptions) {
		opts.ConversationID = id
	}
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithLimit 限制返回数量，上限 100。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}
