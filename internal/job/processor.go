package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/export"
	"MarketResearch/internal/observability/alerting"
	"MarketResearch/internal/research"
	"MarketResearch/internal/storage/mysql"
	"MarketResearch/pkg/logger"
)

// Runner 定义处理器所需的报告流水线能力。
type Runner interface {
	Run(ctx context.Context, q research.Query, progress research.ProgressFunc) (*research.Report, error)
}

// Recorder 接收任务结束事件，用于指标统计。
type Recorder interface {
	JobFinished(status Status, elapsed time.Duration)
}

// Processor 负责从队列消费任务并执行报告流水线。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	exporter    export.Exporter
	archive     mysql.ReportRepository
	recorder    Recorder
	now         func() time.Time
}

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

// WithExporter 替换默认的 DOCX 导出器。
func WithExporter(exporter export.Exporter) ProcessorOption {
	return func(p *Processor) {
		if exporter != nil {
			p.exporter = exporter
		}
	}
}

// WithArchive 配置报告归档仓库，为空表示不归档。
func WithArchive(repo mysql.ReportRepository) ProcessorOption {
	return func(p *Processor) {
		p.archive = repo
	}
}

// WithRecorder 配置任务指标记录器。
func WithRecorder(recorder Recorder) ProcessorOption {
	return func(p *Processor) {
		p.recorder = recorder
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		exporter:    export.DOCXExporter{},
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	started := p.now()
	progress := func(step, total int, task research.Task) {
		update := Progress{Step: step, Total: total, TaskID: task.ID, TaskTitle: task.Title}
		if err := p.store.UpdateProgress(ctx, job.ID, update); err != nil {
			p.logger.Warn("记录任务进度失败", slog.Any("error", err), slog.String("job_id", job.ID))
		}
	}

	report, runErr := p.runner.Run(ctx, job.Query, progress)
	if runErr != nil {
		return p.handleFailure(ctx, job, runErr, started)
	}

	doc, exportErr := p.exporter.Export(report)
	if exportErr != nil {
		return p.handleFailure(ctx, job, exportErr, started)
	}

	artifact := Artifact{
		Title:       report.Title,
		Filename:    doc.Filename,
		ContentType: doc.ContentType,
		Markdown:    report.Markdown(),
		Sources:     append([]string(nil), report.Sources...),
		Document:    doc.Bytes,
	}
	if err := p.store.MarkSucceeded(ctx, job.ID, artifact); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return p.handleFailure(ctx, job, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存报告失败"), started)
	}
	p.archiveReport(ctx, job, report, artifact)
	p.record(StatusSucceeded, started)

	logger.Audit().Info("报告任务执行成功",
		slog.String("job_id", job.ID),
		slog.String("company", job.Query.CompanyName),
		slog.String("domain", job.Query.Domain),
		slog.String("filename", artifact.Filename),
		slog.Int("sources", len(artifact.Sources)),
		slog.Duration("elapsed", p.now().Sub(started)),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, cause error, started time.Time) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(cause)
	terminal := job.Attempts >= job.MaxAttempts || !retryable

	// 停机取消时仍需回写失败状态。
	ctx = context.WithoutCancel(ctx)
	if storeErr := p.store.MarkFailed(ctx, job.ID, code, cause.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("报告任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("company", job.Query.CompanyName),
		slog.String("domain", job.Query.Domain),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		p.record(StatusFailed, started)
	}
	if xerrors.ShouldAlert(cause) || (terminal && xerrors.AttributesOf(code).Alert) {
		p.emitAlert(ctx, job, code, cause, stage)
	}

	if !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) archiveReport(ctx context.Context, job *Job, report *research.Report, artifact Artifact) {
	if p.archive == nil {
		return
	}
	sections := make([]string, 0, len(report.Sections))
	for _, section := range report.Sections {
		sections = append(sections, section.Label)
	}
	record := &mysql.ReportRecord{
		JobID:       job.ID,
		CompanyName: job.Query.CompanyName,
		Domain:      job.Query.Domain,
		Title:       artifact.Title,
		Filename:    artifact.Filename,
		Sections:    sections,
		Sources:     artifact.Sources,
		Markdown:    artifact.Markdown,
		CreatedAt:   report.GeneratedAt.Unix(),
	}
	if err := p.archive.Save(ctx, record); err != nil {
		p.logger.Error("报告归档失败", slog.Any("error", err), slog.String("job_id", job.ID))
	}
}

func (p *Processor) record(status Status, started time.Time) {
	if p.recorder != nil {
		p.recorder.JobFinished(status, p.now().Sub(started))
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = xerrors.MessageOf(cause)
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		JobID:       job.ID,
		Company:     job.Query.CompanyName,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Metadata:    metadata,
		OccurredAt:  p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
