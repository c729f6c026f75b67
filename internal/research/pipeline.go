package research

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/pkg/logger"
)

// Executor 执行单个任务，prior 为该任务 Context 中声明的已完成结果。
type Executor interface {
	Execute(ctx context.Context, task Task, prior []TaskResult) (*TaskResult, error)
}

// ExecutorFunc 允许使用函数实现 Executor。
type ExecutorFunc func(ctx context.Context, task Task, prior []TaskResult) (*TaskResult, error)

// Execute 实现 Executor。
func (f ExecutorFunc) Execute(ctx context.Context, task Task, prior []TaskResult) (*TaskResult, error) {
	return f(ctx, task, prior)
}

// ProgressFunc 在每个任务开始前被调用，step 从 1 开始。
type ProgressFunc func(step, total int, task Task)

// Observer 接收流水线的执行耗时，用于指标采集。
type Observer interface {
	TaskFinished(taskID string, elapsed time.Duration, err error)
	RunFinished(outcome string, elapsed time.Duration)
}

// 流水线运行结果。
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// Pipeline 串行运行固定任务列表并组装报告。
type Pipeline struct {
	executor    Executor
	credentials Credentials
	clock       func() time.Time
	observer    Observer
	log         *slog.Logger
}

// Option 定义 Pipeline 的可选配置。
type Option func(*Pipeline)

// WithClock 替换时间来源。
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithObserver 设置执行观察者。
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// NewPipeline 创建流水线。
func NewPipeline(executor Executor, creds Credentials, opts ...Option) *Pipeline {
	p := &Pipeline{
		executor:    executor,
		credentials: creds,
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.log == nil {
		p.log = logger.Named("pipeline")
	}
	return p
}

// Run 校验输入与凭证后依次执行任务。任一任务失败即终止，不返回部分报告。
func (p *Pipeline) Run(ctx context.Context, q Query, progress ProgressFunc) (*Report, error) {
	started := p.clock()
	if err := q.Validate(); err != nil {
		p.finish(OutcomeRejected, started)
		return nil, err
	}
	if err := p.credentials.Validate(); err != nil {
		p.finish(OutcomeRejected, started)
		return nil, err
	}
	if p.executor == nil {
		p.finish(OutcomeRejected, started)
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务执行器")
	}

	q = q.Normalize()
	tasks := Bind(q)
	done := make(map[string]*TaskResult, len(tasks))
	results := make([]TaskResult, 0, len(tasks))

	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			p.finish(OutcomeFailed, started)
			return nil, interrupted(err, task.ID)
		}
		if progress != nil {
			progress(i+1, len(tasks), task)
		}
		p.log.Info("开始执行任务", "company", q.CompanyName, "task", task.ID, "step", i+1, "total", len(tasks))

		taskStarted := p.clock()
		result, err := p.executor.Execute(ctx, task, contextFor(task, done))
		if err == nil && result.Empty() {
			err = xerrors.New(CodeReportIncomplete, "任务返回空结果", xerrors.WithMetadata("task", task.ID))
		}
		elapsed := p.clock().Sub(taskStarted)
		if p.observer != nil {
			p.observer.TaskFinished(task.ID, elapsed, err)
		}
		if err != nil {
			p.log.Warn("任务执行失败", "company", q.CompanyName, "task", task.ID,
				"code", xerrors.CodeOf(err), "error", err)
			p.finish(OutcomeFailed, started)
			if ctxErr := ctx.Err(); ctxErr != nil && xerrors.CodeOf(err) == xerrors.CodeUnknown {
				return nil, interrupted(ctxErr, task.ID)
			}
			return nil, err
		}

		stored := *result
		stored.TaskID = task.ID
		done[task.ID] = &stored
		results = append(results, stored)
	}

	report, err := Assemble(q, tasks, results, p.clock())
	if err != nil {
		p.finish(OutcomeFailed, started)
		return nil, err
	}
	p.finish(OutcomeSucceeded, started)
	p.log.Info("报告生成完成", "company", q.CompanyName, "sections", len(report.Sections), "sources", len(report.Sources))
	return report, nil
}

func (p *Pipeline) finish(outcome string, started time.Time) {
	if p.observer != nil {
		p.observer.RunFinished(outcome, p.clock().Sub(started))
	}
}

func interrupted(err error, taskID string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "报告生成超时", xerrors.WithMetadata("task", taskID))
	}
	return xerrors.Wrap(xerrors.CodeCanceled, err, "报告生成已取消", xerrors.WithMetadata("task", taskID))
}
