// Package turn 将用户输入包装为异步作业，经队列交给引擎逐条处理。
package turn

import (
	xerrors "Agent-Sandbox/internal/errors"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job 描述一次排队等待处理的用户轮次。
type Job struct {
	ID             string `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Text           string `json:"text"`
	Status         Status `json:"status"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Done 判断作业是否已到达终态。
func (j *Job) Done() bool {
	return j != nil && (j.Status == StatusSucceeded || j.Status == StatusFailed)
}

const (
	CodeJobNotFound    xerrors.Code = "TURN_NOT_FOUND"
	CodeJobConflict    xerrors.Code = "TURN_CONFLICT"
	CodeJobCompleted   xerrors.Code = "TURN_COMPLETED"
	CodeJobValidation  xerrors.Code = "TURN_VALIDATION_FAILED"
	CodeJobPublish     xerrors.Code = "TURN_PUBLISH_FAILED"
	CodeJobProcessing  xerrors.Code = "TURN_PROCESSING_FAILED"
	CodeJobInterrupted xerrors.Code = "TURN_INTERRUPTED"
)

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "turn job not found")
	// ErrJobConflict 表示作业正在被其他工作协程处理。
	ErrJobConflict = xerrors.New(CodeJobConflict, "turn job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示作业已经处理完毕，不会再次执行。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "turn job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:    "turn job not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:    "turn job conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:    "turn job already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:    "turn validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:    "failed to publish turn job",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: 503,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:    "turn processing failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: 500,
	})
	xerrors.Register(CodeJobInterrupted, xerrors.Attributes{
		Message:    "turn interrupted by shutdown",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 500,
	})
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
