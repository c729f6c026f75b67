package job

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Handler 处理来自队列的任务 ID。返回错误表示任务未被处理，队列可选择重新投递。
type Handler func(ctx context.Context, jobID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 负责从队列中消费任务，阻塞直到 ctx 结束或出现不可恢复的错误。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// errNoDelivery 表示本轮等待没有取到任务。
var errNoDelivery = errors.New("no delivery")

// delivery 是取出的一条任务。settle 在处理结束后调用，handled 为 false 时由队列决定是否重投。
type delivery struct {
	jobID  string
	settle func(handled bool)
}

type fetchFunc func(ctx context.Context) (delivery, error)

// runWorkers 启动 workerCount 个协程循环取任务并交给 handler。
// 任一协程取任务失败会停止全部协程；ctx 结束时返回 ctx.Err()。
func runWorkers(ctx context.Context, workerCount int, fetch fetchFunc, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		g.Go(func() error {
			for {
				d, err := fetch(gctx)
				if errors.Is(err, errNoDelivery) {
					continue
				}
				if err != nil {
					return err
				}
				handled := handler(gctx, d.jobID) == nil
				if d.settle != nil {
					d.settle(handled)
				}
			}
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
