package job

import (
	stdErrors "errors"
	"net/http"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/research"
)

// Status 表示报告任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Progress 记录流水线当前执行到的步骤。
type Progress struct {
	Step      int    `json:"step"`
	Total     int    `json:"total"`
	TaskID    string `json:"task_id,omitempty"`
	TaskTitle string `json:"task_title,omitempty"`
}

// Artifact 是成功生成的报告及其导出文档。
type Artifact struct {
	Title       string   `json:"title"`
	Filename    string   `json:"filename"`
	ContentType string   `json:"content_type"`
	Markdown    string   `json:"markdown"`
	Sources     []string `json:"sources,omitempty"`
	Document    []byte   `json:"-"`
}

// Job 描述一次排队执行的报告生成。
type Job struct {
	ID          string         `json:"id"`
	Query       research.Query `json:"query"`
	Status      Status         `json:"status"`
	Progress    Progress       `json:"progress"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Artifact    *Artifact      `json:"artifact,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示任务的执行次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job attempts exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_ATTEMPTS_EXHAUSTED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusConflict,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusConflict,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job attempts exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Status:    http.StatusServiceUnavailable,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:  "report generation failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// IsJobError 判断错误是否为指定的任务错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrJobNotFound):
		return target == CodeJobNotFound
	case stdErrors.Is(err, ErrJobConflict):
		return target == CodeJobConflict
	case stdErrors.Is(err, ErrJobCompleted):
		return target == CodeJobCompleted
	case stdErrors.Is(err, ErrJobExhausted):
		return target == CodeJobExhausted
	}
	return false
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneJob(j *Job) *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Artifact = cloneArtifact(j.Artifact)
	return &clone
}

func cloneArtifact(a *Artifact) *Artifact {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Sources = append([]string(nil), a.Sources...)
	clone.Document = append([]byte(nil), a.Document...)
	return &clone
}
