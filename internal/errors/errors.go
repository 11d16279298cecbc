package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"net/http"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用错误码。领域错误码由各业务包在 init 中注册。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeReasoningFailure      Code = "REASONING_FAILURE"
	CodeToolFailure           Code = "TOOL_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// Attributes 是错误码的默认行为：Retryable 告诉 API 调用方可以重新提交，
// Alert 决定失败的轮次是否触发告警，HTTPStatus 用于 API 响应。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	Alert      bool
	HTTPStatus int
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true, HTTPStatus: http.StatusInternalServerError},
		CodeReasoningFailure:      {Message: "reasoning service failure", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusBadGateway},
		CodeToolFailure:           {Message: "tool failure", Severity: SeverityWarning, HTTPStatus: http.StatusInternalServerError},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusGatewayTimeout},
	}
)

// Register 注册或覆盖错误码的默认属性，未填写 HTTPStatus 时按 500 处理。
func Register(code Code, attr Attributes) {
	if attr.HTTPStatus == 0 {
		attr.HTTPStatus = http.StatusInternalServerError
	}
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码对应的属性，未注册的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、面向调用方的信息、底层原因与附加上下文。
//
// 属性在读取时才从注册表解析，因此包级变量可以在错误码注册之前构造。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	adjust   []func(*Attributes)
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加上下文，例如 conversation_id。API 会在 details 字段中返回。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试属性，例如上游限流。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.adjust = append(e.adjust, func(a *Attributes) { a.Retryable = retryable })
	}
}

// WithAlert 覆盖是否告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.adjust = append(e.adjust, func(a *Attributes) { a.Alert = alert })
	}
}

// WithSeverity 覆盖告警级别。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.adjust = append(e.adjust, func(a *Attributes) { a.Severity = sev })
	}
}

// New 创建错误。message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以 code 包裹 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is 按错误码匹配，errors.Is(err, ErrJobNotFound) 对包裹后的同码错误同样成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t != nil && e.code == t.code
}

func (e *Error) Code() Code      { return e.code }
func (e *Error) Message() string { return e.message }

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Attributes 返回注册表中的属性叠加本实例的覆盖项。
func (e *Error) Attributes() Attributes {
	attrs := AttributesOf(e.code)
	for _, fn := range e.adjust {
		fn(&attrs)
	}
	return attrs
}

func (e *Error) Retryable() bool    { return e.Attributes().Retryable }
func (e *Error) ShouldAlert() bool  { return e.Attributes().Alert }
func (e *Error) Severity() Severity { return e.Attributes().Severity }

// From 从错误链中取出 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链中的错误码，没有时返回 CodeUnknown。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// AttributesFor 返回 err 的属性；非统一错误使用 fallback 错误码的属性。
func AttributesFor(err error, fallback Code) Attributes {
	if e, ok := From(err); ok {
		return e.Attributes()
	}
	return AttributesOf(fallback)
}

// HTTPStatusOf 将错误映射为 HTTP 状态码。
func HTTPStatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return AttributesFor(err, CodeUnknown).HTTPStatus
}
