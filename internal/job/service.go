package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/research"
	"MarketResearch/pkg/logger"
)

// DefaultMaxAttempts 默认只执行一次，不做自动重试。
const DefaultMaxAttempts = 1

// Service 负责报告任务的创建与查询。
type Service struct {
	store       Store
	producer    Producer
	maxAttempts int
	newID       func() string
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{store: store, producer: producer, maxAttempts: maxAttempts, newID: uuid.NewString}
}

// Submit 校验查询、创建 pending 任务并推送到队列。
func (s *Service) Submit(ctx context.Context, q research.Query) (*Job, error) {
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	job := &Job{
		ID:          s.newID(),
		Query:       q,
		Status:      StatusPending,
		Progress:    Progress{Total: len(research.Tasks())},
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, job.ID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, job.ID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("报告任务已提交",
		slog.String("job_id", job.ID),
		slog.String("company", q.CompanyName),
		slog.String("domain", q.Domain),
		slog.Int("max_attempts", job.MaxAttempts),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
