package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。Status 是对外暴露的 HTTP 状态码，0 表示 500。
type Attributes struct {
	Message   string
	Severity  Severity
	Status    int
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeMissingCredentials    Code = "MISSING_CREDENTIALS"
	CodeUpstreamFailure       Code = "UPSTREAM_FAILURE"
	CodeExportFailure         Code = "EXPORT_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeCanceled              Code = "CANCELED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{}
)

func init() {
	for code, attr := range map[Code]Attributes{
		CodeUnknown:         {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument: {Message: "invalid argument", Severity: SeverityInfo, Status: http.StatusBadRequest},
		CodeNotFound:        {Message: "resource not found", Severity: SeverityInfo, Status: http.StatusNotFound},
		CodeConflict:        {Message: "resource conflict", Severity: SeverityWarning, Status: http.StatusConflict},
		CodeMissingCredentials: {
			Message:  "required API credentials are not configured",
			Severity: SeverityCritical,
			Status:   http.StatusServiceUnavailable,
			Alert:    true,
		},
		// 上游失败默认不可重试，重试策略由调用方显式开启。
		CodeUpstreamFailure: {
			Message:  "upstream service call failed",
			Severity: SeverityWarning,
			Status:   http.StatusFailedDependency,
			Alert:    true,
		},
		CodeExportFailure: {Message: "document export failed", Severity: SeverityWarning, Alert: true},
		CodeTimeout: {
			Message:  "operation timed out",
			Severity: SeverityWarning,
			Status:   http.StatusGatewayTimeout,
			Alert:    true,
		},
		CodeCanceled: {Message: "operation canceled", Severity: SeverityInfo, Status: http.StatusServiceUnavailable},
		CodeInitializationFailure: {
			Message:   "service not initialized",
			Severity:  SeverityWarning,
			Status:    http.StatusServiceUnavailable,
			Retryable: true,
			Alert:     true,
		},
		CodeStorageFailure: {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure: {
			Message:   "queue failure",
			Severity:  SeverityCritical,
			Status:    http.StatusServiceUnavailable,
			Retryable: true,
			Alert:     true,
		},
	} {
		Register(code, attr)
	}
}

// Register 允许业务模块在初始化阶段注册新的错误码描述，重复注册会覆盖。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
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

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口，格式为 "[CODE] message: cause"。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码匹配，便于用哨兵错误做 errors.Is 判断。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if e == nil || !ok || t == nil {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	switch {
	case e == nil:
		return false
	case e.retryable != nil:
		return *e.retryable
	default:
		return AttributesOf(e.code).Retryable
	}
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	switch {
	case e == nil:
		return false
	case e.alert != nil:
		return *e.alert
	default:
		return AttributesOf(e.code).Alert
	}
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	switch {
	case e == nil:
		return SeverityInfo
	case e.severity != nil:
		return *e.severity
	default:
		return AttributesOf(e.code).Severity
	}
}

// LogValue 让 slog 以结构化字段输出错误。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.StringValue("")
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.message),
		slog.String("severity", string(e.Severity())),
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	if len(e.metadata) > 0 {
		keys := make([]string, 0, len(e.metadata))
		for k := range e.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		meta := make([]any, 0, len(keys))
		for _, k := range keys {
			meta = append(meta, slog.String(k, e.metadata[k]))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}
	return slog.GroupValue(attrs...)
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// MessageOf 返回最外层统一错误的描述，普通错误直接返回 Error()。
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return e.Message()
	}
	return err.Error()
}

// HTTPStatus 返回错误对应的 HTTP 状态码。未登记状态码的错误码映射为 500。
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stdErrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case stdErrors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	if status := AttributesOf(CodeOf(err)).Status; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
